package crypto

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seededKeys derives n BLS keys from label.
func seededKeys(t testing.TB, label string, n int) []*BLSPrivateKey {
	t.Helper()
	keys := make([]*BLSPrivateKey, n)
	for i := range keys {
		seed := sha256.Sum256([]byte(fmt.Sprintf("%s-%d", label, i)))
		sk, err := BLSPrivateKeyFromSeed(seed[:])
		require.NoError(t, err)
		keys[i] = sk
	}
	return keys
}

func signAll(t testing.TB, keys []*BLSPrivateKey, message []byte) ([]*BLSSignature, []*BLSPublicKey) {
	t.Helper()
	sigs := make([]*BLSSignature, len(keys))
	pks := make([]*BLSPublicKey, len(keys))
	for i, sk := range keys {
		sig, err := sk.Sign(message)
		require.NoError(t, err)
		sigs[i] = sig
		pks[i] = sk.PublicKey()
	}
	return sigs, pks
}

// TestBLSSignAndVerify tests basic sign and verify.
func TestBLSSignAndVerify(t *testing.T) {
	sk, err := GenerateBLSKey()
	require.NoError(t, err)
	pk := sk.PublicKey()
	assert.True(t, pk.Equals(sk.PublicKey()), "public key should be deterministic")

	message := []byte("prevote 8/0")
	sig, err := sk.Sign(message)
	require.NoError(t, err)

	assert.True(t, pk.Verify(message, sig))
	assert.False(t, pk.Verify([]byte("prevote 8/1"), sig), "signature should not verify with wrong message")

	other, err := GenerateBLSKey()
	require.NoError(t, err)
	assert.False(t, other.PublicKey().Verify(message, sig), "signature should not verify with wrong public key")
}

// TestBLSKeyFromSeed tests deterministic key derivation.
func TestBLSKeyFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := BLSPrivateKeyFromSeed(seed)
	require.NoError(t, err)
	b, err := BLSPrivateKeyFromSeed(seed)
	require.NoError(t, err)
	assert.True(t, a.PublicKey().Equals(b.PublicKey()))

	c, err := BLSPrivateKeyFromSeed(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)
	assert.False(t, a.PublicKey().Equals(c.PublicKey()))

	_, err = BLSPrivateKeyFromSeed([]byte("short"))
	assert.Error(t, err)

	// BLS signatures are unique: one key, one message, one signature.
	message := []byte("deterministic")
	sa, err := a.Sign(message)
	require.NoError(t, err)
	sb, err := b.Sign(message)
	require.NoError(t, err)
	assert.Equal(t, sa.Bytes(), sb.Bytes())
}

// TestBLSAggregation tests aggregation over a shared message.
func TestBLSAggregation(t *testing.T) {
	message := []byte("precommit 8/0")
	sigs, pks := signAll(t, seededKeys(t, "agg", 5), message)

	agg, err := AggregateSignatures(sigs)
	require.NoError(t, err)
	assert.NoError(t, VerifyAggregated(message, agg, pks))

	assert.ErrorIs(t, VerifyAggregated([]byte("precommit 8/1"), agg, pks), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyAggregated(message, agg, pks[:4]), ErrInvalidSignature,
		"aggregate should not verify with a missing signer key")

	// A partial aggregate verifies against exactly its signers.
	partial, err := AggregateSignatures(sigs[1:4])
	require.NoError(t, err)
	assert.NoError(t, VerifyAggregated(message, partial, pks[1:4]))
	assert.Error(t, VerifyAggregated(message, partial, pks))
}

// TestBLSAggregationOrderIndependent tests that aggregates are the same in
// any order and can be built up from partial aggregates.
func TestBLSAggregationOrderIndependent(t *testing.T) {
	message := []byte("order")
	sigs, pks := signAll(t, seededKeys(t, "order", 4), message)

	forward, err := AggregateSignatures(sigs)
	require.NoError(t, err)
	backward, err := AggregateSignatures([]*BLSSignature{sigs[3], sigs[2], sigs[1], sigs[0]})
	require.NoError(t, err)
	assert.Equal(t, forward.Bytes(), backward.Bytes())

	left, err := AggregateSignatures(sigs[:2])
	require.NoError(t, err)
	right, err := AggregateSignatures(sigs[2:])
	require.NoError(t, err)
	nested, err := AggregateSignatures([]*BLSSignature{right, left})
	require.NoError(t, err)
	assert.Equal(t, forward.Bytes(), nested.Bytes())

	pkForward, err := AggregatePublicKeys(pks)
	require.NoError(t, err)
	pkBackward, err := AggregatePublicKeys([]*BLSPublicKey{pks[2], pks[0], pks[3], pks[1]})
	require.NoError(t, err)
	assert.True(t, pkForward.Equals(pkBackward))
	assert.True(t, pkForward.Verify(message, forward))
}

// TestBLSKeySerialization tests key serialization and deserialization.
func TestBLSKeySerialization(t *testing.T) {
	sk := seededKeys(t, "serial", 1)[0]

	skBytes := sk.Bytes()
	assert.Len(t, skBytes, 32)
	sk2, err := BLSPrivateKeyFromBytes(skBytes)
	require.NoError(t, err)
	assert.Equal(t, sk.scalar, sk2.scalar)

	pkBytes := sk.PublicKey().Bytes()
	assert.Len(t, pkBytes, BLSPublicKeySize)
	pk, err := BLSPublicKeyFromBytes(pkBytes)
	require.NoError(t, err)
	assert.True(t, sk.PublicKey().Equals(pk))

	message := []byte("serial")
	sig, err := sk.Sign(message)
	require.NoError(t, err)
	sigBytes := sig.Bytes()
	assert.Len(t, sigBytes, BLSSignatureSize)
	sig2, err := BLSSignatureFromBytes(sigBytes)
	require.NoError(t, err)
	assert.True(t, pk.Verify(message, sig2))
}

// TestBLSInvalidInputs tests error handling for invalid inputs.
func TestBLSInvalidInputs(t *testing.T) {
	_, err := AggregateSignatures(nil)
	assert.ErrorIs(t, err, ErrEmptySignatures)

	_, err = AggregatePublicKeys(nil)
	assert.ErrorIs(t, err, ErrEmptyPublicKeys)

	sk := seededKeys(t, "invalid", 1)[0]
	sig, err := sk.Sign([]byte("x"))
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyAggregated([]byte("x"), sig, nil), ErrEmptyPublicKeys)

	_, err = BLSPrivateKeyFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = BLSPublicKeyFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
	_, err = BLSSignatureFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)

	// Right length, not a curve point.
	_, err = BLSSignatureFromBytes(bytes.Repeat([]byte{0xff}, BLSSignatureSize))
	assert.Error(t, err)
	_, err = BLSPublicKeyFromBytes(bytes.Repeat([]byte{0xff}, BLSPublicKeySize))
	assert.Error(t, err)
}

// TestBLSConcurrentSigning tests thread-safety of signing.
func TestBLSConcurrentSigning(t *testing.T) {
	sk := seededKeys(t, "concurrent", 1)[0]
	pk := sk.PublicKey()
	message := []byte("concurrent test")

	const N = 32
	sigs := make([]*BLSSignature, N)
	errs := make([]error, N)
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sigs[idx], errs[idx] = sk.Sign(message)
		}(i)
	}
	wg.Wait()

	for i := 0; i < N; i++ {
		require.NoError(t, errs[i])
		assert.True(t, pk.Verify(message, sigs[i]), "signature %d should verify", i)
		assert.Equal(t, sigs[0].Bytes(), sigs[i].Bytes())
	}
}

func BenchmarkBLSSign(b *testing.B) {
	sk := seededKeys(b, "bench", 1)[0]
	message := []byte("benchmark message")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = sk.Sign(message)
	}
}

func BenchmarkBLSVerify(b *testing.B) {
	sk := seededKeys(b, "bench", 1)[0]
	pk := sk.PublicKey()
	message := []byte("benchmark message")
	sig, _ := sk.Sign(message)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pk.Verify(message, sig)
	}
}

func BenchmarkBLSAggregate(b *testing.B) {
	sigs, _ := signAll(b, seededKeys(b, "bench", 7), []byte("benchmark"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = AggregateSignatures(sigs)
	}
}

func BenchmarkBLSAggregateVerify(b *testing.B) {
	message := []byte("benchmark")
	sigs, pks := signAll(b, seededKeys(b, "bench", 7), message)
	agg, _ := AggregateSignatures(sigs)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = VerifyAggregated(message, agg, pks)
	}
}
