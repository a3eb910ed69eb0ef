package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// VRF built on BLS unique signatures: for a fixed key and input there is
// exactly one valid signature, so the signature is the proof and its hash is
// the pseudorandom output.

// VRFOutputSize is the size of a VRF output in bytes.
const VRFOutputSize = 32

var vrfOutputPrefix = []byte("albatross-vrf")

// ErrInvalidVRFProof indicates a VRF proof did not verify.
var ErrInvalidVRFProof = errors.New("invalid VRF proof")

// VRFOutput is the pseudorandom value derived from a proof.
type VRFOutput [VRFOutputSize]byte

// ProveVRF evaluates the VRF on input and returns the output and proof bytes.
func (sk *BLSPrivateKey) ProveVRF(input []byte) (VRFOutput, []byte, error) {
	sig, err := sk.sign(input, dstVRF)
	if err != nil {
		return VRFOutput{}, nil, fmt.Errorf("vrf prove: %w", err)
	}
	proof := sig.Bytes()
	return vrfOutputFromProof(proof), proof, nil
}

// VerifyVRF checks proof against the public key and input and returns the
// output the proof commits to.
func VerifyVRF(pk *BLSPublicKey, input, proof []byte) (VRFOutput, error) {
	sig, err := BLSSignatureFromBytes(proof)
	if err != nil {
		return VRFOutput{}, fmt.Errorf("%w: %v", ErrInvalidVRFProof, err)
	}
	if !pk.verify(input, sig, dstVRF) {
		return VRFOutput{}, ErrInvalidVRFProof
	}
	return vrfOutputFromProof(proof), nil
}

// VRFOutputFromProof hashes proof bytes into an output without verifying.
// Only use on proofs that were already verified.
func VRFOutputFromProof(proof []byte) VRFOutput {
	return vrfOutputFromProof(proof)
}

func vrfOutputFromProof(proof []byte) VRFOutput {
	h, _ := blake2b.New256(nil)
	h.Write(vrfOutputPrefix)
	h.Write(proof)
	var out VRFOutput
	copy(out[:], h.Sum(nil))
	return out
}
