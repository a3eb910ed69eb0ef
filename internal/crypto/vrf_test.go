package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVRFProveVerify(t *testing.T) {
	keys := seededKeys(t, "vrf", 2)
	input := []byte("parent seed || epoch 1 || slot 4")

	out, proof, err := keys[0].ProveVRF(input)
	require.NoError(t, err)
	assert.Len(t, proof, BLSSignatureSize)

	got, err := VerifyVRF(keys[0].PublicKey(), input, proof)
	require.NoError(t, err)
	assert.Equal(t, out, got)
	assert.Equal(t, out, VRFOutputFromProof(proof))

	// Unique: proving again gives the same proof.
	again, proof2, err := keys[0].ProveVRF(input)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, proof, proof2)

	_, err = VerifyVRF(keys[1].PublicKey(), input, proof)
	assert.ErrorIs(t, err, ErrInvalidVRFProof)
	_, err = VerifyVRF(keys[0].PublicKey(), []byte("other input"), proof)
	assert.ErrorIs(t, err, ErrInvalidVRFProof)
	_, err = VerifyVRF(keys[0].PublicKey(), input, proof[:10])
	assert.ErrorIs(t, err, ErrInvalidVRFProof)
}

func TestVRFOutputsDiffer(t *testing.T) {
	keys := seededKeys(t, "vrf-out", 2)
	a, _, err := keys[0].ProveVRF([]byte("a"))
	require.NoError(t, err)
	b, _, err := keys[0].ProveVRF([]byte("b"))
	require.NoError(t, err)
	c, _, err := keys[1].ProveVRF([]byte("a"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

// Votes and VRF proofs share a key, so neither may pass as the other.
func TestVRFDomainSeparation(t *testing.T) {
	sk := seededKeys(t, "dst", 1)[0]
	pk := sk.PublicKey()
	input := []byte("same bytes")

	sig, err := sk.Sign(input)
	require.NoError(t, err)
	_, err = VerifyVRF(pk, input, sig.Bytes())
	assert.ErrorIs(t, err, ErrInvalidVRFProof, "a vote signature must not verify as a VRF proof")

	_, proof, err := sk.ProveVRF(input)
	require.NoError(t, err)
	asSig, err := BLSSignatureFromBytes(proof)
	require.NoError(t, err)
	assert.False(t, pk.Verify(input, asSig), "a VRF proof must not verify as a vote signature")
}

func BenchmarkVRFVerify(b *testing.B) {
	sk := seededKeys(b, "bench-vrf", 1)[0]
	pk := sk.PublicKey()
	input := []byte("bench")
	_, proof, _ := sk.ProveVRF(input)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = VerifyVRF(pk, input, proof)
	}
}
