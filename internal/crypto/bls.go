// Package crypto provides the signature primitives used by the consensus core.
//
// Two schemes are in use:
//  1. BLS12-381 (this file) - voting keys, aggregate macro block justifications
//     and the VRF that chains block seeds (vrf.go).
//  2. Ed25519 (ed25519.go) - micro block producer signatures.
package crypto

import (
	"errors"
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"golang.org/x/crypto/blake2b"
)

// Domain separation tags. Votes and VRF proofs are produced by the same key,
// so they must never hash to the same curve point.
var (
	dstSignature = []byte("ALBATROSS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")
	dstVRF       = []byte("ALBATROSS_VRF_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")
)

const (
	// BLSSignatureSize is the compressed size of a G1 signature.
	BLSSignatureSize = bls12381.SizeOfG1AffineCompressed

	// BLSPublicKeySize is the compressed size of a G2 public key.
	BLSPublicKeySize = bls12381.SizeOfG2AffineCompressed
)

var (
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrEmptySignatures indicates no signatures provided for aggregation.
	ErrEmptySignatures = errors.New("no signatures to aggregate")

	// ErrEmptyPublicKeys indicates no public keys provided for aggregation.
	ErrEmptyPublicKeys = errors.New("no public keys to aggregate")
)

// BLSPrivateKey wraps a BLS12-381 private key.
type BLSPrivateKey struct {
	scalar fr.Element
}

// BLSPublicKey wraps a BLS12-381 public key (G2 point).
type BLSPublicKey struct {
	point bls12381.G2Affine
}

// BLSSignature wraps a BLS12-381 signature (G1 point).
type BLSSignature struct {
	point bls12381.G1Affine
}

// GenerateBLSKey generates a new BLS12-381 key pair.
func GenerateBLSKey() (*BLSPrivateKey, error) {
	var scalar fr.Element
	if _, err := scalar.SetRandom(); err != nil {
		return nil, fmt.Errorf("failed to generate random scalar: %w", err)
	}
	return &BLSPrivateKey{scalar: scalar}, nil
}

// BLSPrivateKeyFromSeed derives a key deterministically from seed material.
// The seed is expanded with Blake2b-512 and reduced modulo the group order.
func BLSPrivateKeyFromSeed(seed []byte) (*BLSPrivateKey, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed too short: need at least 32 bytes, got %d", len(seed))
	}
	wide := blake2b.Sum512(seed)
	var scalar fr.Element
	scalar.SetBigInt(new(big.Int).SetBytes(wide[:]))
	if scalar.IsZero() {
		return nil, errors.New("seed reduces to zero scalar")
	}
	return &BLSPrivateKey{scalar: scalar}, nil
}

// PublicKey returns the public key corresponding to this private key.
func (sk *BLSPrivateKey) PublicKey() *BLSPublicKey {
	var pk bls12381.G2Affine
	_, _, _, g2Gen := bls12381.Generators()
	pk.ScalarMultiplication(&g2Gen, sk.scalar.BigInt(new(big.Int)))
	return &BLSPublicKey{point: pk}
}

// Sign signs a message with this private key under the signature domain.
func (sk *BLSPrivateKey) Sign(message []byte) (*BLSSignature, error) {
	return sk.sign(message, dstSignature)
}

func (sk *BLSPrivateKey) sign(message, dst []byte) (*BLSSignature, error) {
	hashPoint, err := bls12381.HashToG1(message, dst)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message to G1: %w", err)
	}

	// Signature = scalar * H(m)
	var sig bls12381.G1Affine
	sig.ScalarMultiplication(&hashPoint, sk.scalar.BigInt(new(big.Int)))
	return &BLSSignature{point: sig}, nil
}

// Bytes returns the 32-byte scalar representation.
func (sk *BLSPrivateKey) Bytes() []byte {
	b := sk.scalar.Bytes()
	return b[:]
}

// BLSPrivateKeyFromBytes reconstructs a private key from bytes.
func BLSPrivateKeyFromBytes(data []byte) (*BLSPrivateKey, error) {
	if len(data) != fr.Bytes {
		return nil, fmt.Errorf("invalid private key length: expected %d, got %d", fr.Bytes, len(data))
	}
	var scalar fr.Element
	scalar.SetBytes(data)
	return &BLSPrivateKey{scalar: scalar}, nil
}

// Verify verifies a signature over a message with this public key.
func (pk *BLSPublicKey) Verify(message []byte, signature *BLSSignature) bool {
	return pk.verify(message, signature, dstSignature)
}

func (pk *BLSPublicKey) verify(message []byte, signature *BLSSignature, dst []byte) bool {
	hashPoint, err := bls12381.HashToG1(message, dst)
	if err != nil {
		return false
	}

	// e(H(m), pk) == e(sig, G2)
	_, _, _, g2Gen := bls12381.Generators()
	left, err := bls12381.Pair([]bls12381.G1Affine{hashPoint}, []bls12381.G2Affine{pk.point})
	if err != nil {
		return false
	}
	right, err := bls12381.Pair([]bls12381.G1Affine{signature.point}, []bls12381.G2Affine{g2Gen})
	if err != nil {
		return false
	}
	return left.Equal(&right)
}

// Bytes returns the compressed 96-byte G2 point representation.
func (pk *BLSPublicKey) Bytes() []byte {
	b := pk.point.Bytes()
	return b[:]
}

// Equals checks if two public keys are equal.
func (pk *BLSPublicKey) Equals(other *BLSPublicKey) bool {
	return pk.point.Equal(&other.point)
}

// BLSPublicKeyFromBytes reconstructs a public key from bytes.
// The point is checked to be on the curve and in the prime-order subgroup.
func BLSPublicKeyFromBytes(data []byte) (*BLSPublicKey, error) {
	if len(data) != BLSPublicKeySize {
		return nil, fmt.Errorf("invalid public key length: expected %d, got %d", BLSPublicKeySize, len(data))
	}
	var point bls12381.G2Affine
	if _, err := point.SetBytes(data); err != nil {
		return nil, fmt.Errorf("failed to deserialize public key: %w", err)
	}
	return &BLSPublicKey{point: point}, nil
}

// Bytes returns the compressed 48-byte G1 point representation.
func (sig *BLSSignature) Bytes() []byte {
	b := sig.point.Bytes()
	return b[:]
}

// BLSSignatureFromBytes reconstructs a signature from bytes.
func BLSSignatureFromBytes(data []byte) (*BLSSignature, error) {
	if len(data) != BLSSignatureSize {
		return nil, fmt.Errorf("invalid signature length: expected %d, got %d", BLSSignatureSize, len(data))
	}
	var point bls12381.G1Affine
	if _, err := point.SetBytes(data); err != nil {
		return nil, fmt.Errorf("failed to deserialize signature: %w", err)
	}
	return &BLSSignature{point: point}, nil
}

// AggregateSignatures sums signatures into one G1 point. Point addition is
// associative and commutative, so aggregates can be combined in any order.
func AggregateSignatures(signatures []*BLSSignature) (*BLSSignature, error) {
	if len(signatures) == 0 {
		return nil, ErrEmptySignatures
	}

	var aggPoint bls12381.G1Jac
	aggPoint.FromAffine(&signatures[0].point)
	for i := 1; i < len(signatures); i++ {
		var point bls12381.G1Jac
		point.FromAffine(&signatures[i].point)
		aggPoint.AddAssign(&point)
	}

	var result bls12381.G1Affine
	result.FromJacobian(&aggPoint)
	return &BLSSignature{point: result}, nil
}

// AggregatePublicKeys sums public keys into one G2 point.
func AggregatePublicKeys(publicKeys []*BLSPublicKey) (*BLSPublicKey, error) {
	if len(publicKeys) == 0 {
		return nil, ErrEmptyPublicKeys
	}

	var aggPoint bls12381.G2Jac
	aggPoint.FromAffine(&publicKeys[0].point)
	for i := 1; i < len(publicKeys); i++ {
		var point bls12381.G2Jac
		point.FromAffine(&publicKeys[i].point)
		aggPoint.AddAssign(&point)
	}

	var result bls12381.G2Affine
	result.FromJacobian(&aggPoint)
	return &BLSPublicKey{point: result}, nil
}

// VerifyAggregated verifies an aggregate signature over the same message
// signed by every key in publicKeys.
func VerifyAggregated(message []byte, aggregatedSig *BLSSignature, publicKeys []*BLSPublicKey) error {
	aggPK, err := AggregatePublicKeys(publicKeys)
	if err != nil {
		return err
	}
	if !aggPK.Verify(message, aggregatedSig) {
		return ErrInvalidSignature
	}
	return nil
}
