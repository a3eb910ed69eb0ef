package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// Ed25519 is used for micro block producer signatures, which are verified
// one at a time and never aggregated.

var (
	// ErrInvalidEd25519KeySize indicates wrong key size.
	ErrInvalidEd25519KeySize = errors.New("invalid Ed25519 key size")
)

const (
	// Ed25519PublicKeySize is the size of a Ed25519 public key in bytes.
	Ed25519PublicKeySize = ed25519.PublicKeySize

	// Ed25519SeedSize is the size of the seed a private key derives from.
	Ed25519SeedSize = ed25519.SeedSize

	// Ed25519SignatureSize is the size of an Ed25519 signature in bytes.
	Ed25519SignatureSize = ed25519.SignatureSize
)

// Ed25519PrivateKey wraps stdlib Ed25519 private key.
type Ed25519PrivateKey struct {
	key ed25519.PrivateKey
	pub *Ed25519PublicKey
}

// Ed25519PublicKey wraps stdlib Ed25519 public key.
type Ed25519PublicKey struct {
	key ed25519.PublicKey
}

// GenerateEd25519Key generates a new Ed25519 key pair.
func GenerateEd25519Key() (*Ed25519PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	return &Ed25519PrivateKey{key: priv, pub: &Ed25519PublicKey{key: pub}}, nil
}

// Ed25519PrivateKeyFromSeed derives a key pair from a 32-byte seed.
func Ed25519PrivateKeyFromSeed(seed []byte) (*Ed25519PrivateKey, error) {
	if len(seed) != Ed25519SeedSize {
		return nil, fmt.Errorf("%w: expected %d byte seed, got %d", ErrInvalidEd25519KeySize, Ed25519SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	pub, _ := key.Public().(ed25519.PublicKey)
	return &Ed25519PrivateKey{key: key, pub: &Ed25519PublicKey{key: pub}}, nil
}

// PublicKey returns the public key corresponding to this private key.
func (sk *Ed25519PrivateKey) PublicKey() *Ed25519PublicKey {
	return sk.pub
}

// Sign signs a message with this private key.
func (sk *Ed25519PrivateKey) Sign(message []byte) []byte {
	return ed25519.Sign(sk.key, message)
}

// Verify verifies a signature over a message with this public key.
func (pk *Ed25519PublicKey) Verify(message []byte, signature []byte) bool {
	if len(signature) != Ed25519SignatureSize {
		return false
	}
	return ed25519.Verify(pk.key, message, signature)
}

// Bytes returns the 32-byte public key.
func (pk *Ed25519PublicKey) Bytes() []byte {
	return []byte(pk.key)
}

// Ed25519PublicKeyFromBytes reconstructs a public key from bytes.
func Ed25519PublicKeyFromBytes(data []byte) (*Ed25519PublicKey, error) {
	if len(data) != Ed25519PublicKeySize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidEd25519KeySize, Ed25519PublicKeySize, len(data))
	}
	key := make(ed25519.PublicKey, Ed25519PublicKeySize)
	copy(key, data)
	return &Ed25519PublicKey{key: key}, nil
}
