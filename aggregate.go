package albatross

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/edgedlt/albatross/internal/crypto"
)

// DefaultAggregateCacheSize bounds the aggregated public key cache.
const DefaultAggregateCacheSize = 256

// Contribution is one signer's signature over a common message.
type Contribution struct {
	Signer    uint16
	Signature []byte
}

// AggregateSignature is a BLS aggregate plus the bitmap of its signers.
//
// CRITICAL SAFETY: an aggregate is only meaningful together with its
// bitmap. Verification recomputes the aggregate public key from the bitmap,
// so a flipped bit invalidates the signature, and a signer can never be
// counted twice because a bitmap has one bit per validator.
type AggregateSignature struct {
	Signature []byte
	Signers   *bitset.BitSet
}

// Aggregate combines contributions over the same message.
// A repeated signer fails with ErrDuplicateSigner.
func Aggregate(contribs []Contribution) (*AggregateSignature, error) {
	if len(contribs) == 0 {
		return nil, wrapf(ErrMalformedBitmap, "no contributions")
	}

	signers := bitset.New(0)
	sigs := make([]*crypto.BLSSignature, 0, len(contribs))
	for _, c := range contribs {
		if signers.Test(uint(c.Signer)) {
			return nil, wrapf(ErrDuplicateSigner, "signer %d", c.Signer)
		}
		sig, err := crypto.BLSSignatureFromBytes(c.Signature)
		if err != nil {
			return nil, wrapf(ErrInvalidSignature, "signer %d: %v", c.Signer, err)
		}
		signers.Set(uint(c.Signer))
		sigs = append(sigs, sig)
	}

	agg, err := crypto.AggregateSignatures(sigs)
	if err != nil {
		return nil, fmt.Errorf("aggregate signatures: %w", err)
	}
	return &AggregateSignature{Signature: agg.Bytes(), Signers: signers}, nil
}

// Combine merges two aggregates over the same message. Their signer sets
// must be disjoint. Combine is associative and commutative.
func (a *AggregateSignature) Combine(other *AggregateSignature) (*AggregateSignature, error) {
	if a.Signers.IntersectionCardinality(other.Signers) > 0 {
		return nil, wrapf(ErrDuplicateSigner, "aggregates overlap")
	}
	left, err := crypto.BLSSignatureFromBytes(a.Signature)
	if err != nil {
		return nil, wrapf(ErrInvalidSignature, "left aggregate: %v", err)
	}
	right, err := crypto.BLSSignatureFromBytes(other.Signature)
	if err != nil {
		return nil, wrapf(ErrInvalidSignature, "right aggregate: %v", err)
	}
	sum, err := crypto.AggregateSignatures([]*crypto.BLSSignature{left, right})
	if err != nil {
		return nil, fmt.Errorf("combine aggregates: %w", err)
	}
	return &AggregateSignature{Signature: sum.Bytes(), Signers: a.Signers.Union(other.Signers)}, nil
}

// SignerCount returns the number of signers.
func (a *AggregateSignature) SignerCount() int {
	return int(a.Signers.Count())
}

// SignerIndices returns the signer indices in ascending order.
func (a *AggregateSignature) SignerIndices() []uint16 {
	out := make([]uint16, 0, a.Signers.Count())
	for i, ok := a.Signers.NextSet(0); ok; i, ok = a.Signers.NextSet(i + 1) {
		out = append(out, uint16(i))
	}
	return out
}

func (a *AggregateSignature) encode(w *writer) error {
	bitmap, err := a.Signers.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal signer bitmap: %w", err)
	}
	w.varBytes(a.Signature)
	w.varBytes(bitmap)
	return nil
}

func decodeAggregate(r *reader) (*AggregateSignature, error) {
	sig := r.varBytes(crypto.BLSSignatureSize)
	bitmap := r.varBytes(16 + MaxValidators/8)
	if r.err != nil {
		return nil, r.err
	}
	if err := checkBitmapEncoding(bitmap); err != nil {
		return nil, err
	}
	signers := new(bitset.BitSet)
	if err := signers.UnmarshalBinary(bitmap); err != nil {
		return nil, malformedBitmap("%v", err)
	}
	return &AggregateSignature{Signature: sig, Signers: signers}, nil
}

// checkBitmapEncoding validates the bitset's length prefix against
// MaxValidators and the payload size before UnmarshalBinary allocates
// words for it.
func checkBitmapEncoding(bitmap []byte) error {
	if len(bitmap) < 8 {
		return malformedBitmap("bitmap of %d bytes has no length prefix", len(bitmap))
	}
	n := bitset.BinaryOrder().Uint64(bitmap[:8])
	if n > MaxValidators {
		return malformedBitmap("bitmap length %d exceeds %d validators", n, MaxValidators)
	}
	if want := 8 + 8*((n+63)/64); uint64(len(bitmap)) != want {
		return malformedBitmap("bitmap of length %d needs %d bytes, got %d", n, want, len(bitmap))
	}
	return nil
}

// malformedBitmap is both ErrMalformedMessage and ErrMalformedBitmap: the
// message is dropped at decode, before any signature check.
func malformedBitmap(format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrMalformedMessage, ErrMalformedBitmap, fmt.Sprintf(format, args...))
}

// Aggregator verifies aggregate signatures against validator sets. Aggregated
// public keys are cached per (set, bitmap). Safe for concurrent use.
type Aggregator struct {
	keys   *lru.Cache
	logger *zap.Logger
}

// NewAggregator creates an Aggregator whose key cache holds cacheSize entries.
func NewAggregator(cacheSize int, logger *zap.Logger) (*Aggregator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultAggregateCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create aggregate key cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{keys: cache, logger: logger}, nil
}

// Verify checks agg over message against set. Any signer weight is accepted.
func (ag *Aggregator) Verify(agg *AggregateSignature, message []byte, set *ValidatorSet) error {
	if agg == nil || agg.Signers == nil || agg.Signers.None() {
		return wrapf(ErrMalformedBitmap, "empty signer bitmap")
	}
	if i, ok := agg.Signers.NextSet(uint(set.Len())); ok {
		return wrapf(ErrMalformedBitmap, "signer index %d out of range (set size %d)", i, set.Len())
	}

	sig, err := crypto.BLSSignatureFromBytes(agg.Signature)
	if err != nil {
		return wrapf(ErrInvalidSignature, "%v", err)
	}
	pk, err := ag.aggregateKey(agg.Signers, set)
	if err != nil {
		return err
	}
	if !pk.Verify(message, sig) {
		return wrapf(ErrInvalidSignature, "aggregate of %d signers does not verify", agg.Signers.Count())
	}
	return nil
}

// VerifyQuorum checks agg like Verify and additionally requires its signer
// weight to reach the set's threshold.
func (ag *Aggregator) VerifyQuorum(agg *AggregateSignature, message []byte, set *ValidatorSet) error {
	if err := ag.Verify(agg, message, set); err != nil {
		return err
	}
	if weight := set.WeightOf(agg.Signers); !set.HasQuorum(weight) {
		return wrapf(ErrInsufficientVotingPower, "signer weight %d below threshold %d of %d",
			weight, set.Threshold(), set.TotalWeight())
	}
	return nil
}

func (ag *Aggregator) aggregateKey(signers *bitset.BitSet, set *ValidatorSet) (*crypto.BLSPublicKey, error) {
	bitmap, err := signers.MarshalBinary()
	if err != nil {
		return nil, wrapf(ErrMalformedBitmap, "%v", err)
	}
	setHash := set.Hash()
	key := string(setHash[:]) + string(bitmap)
	if cached, ok := ag.keys.Get(key); ok {
		return cached.(*crypto.BLSPublicKey), nil
	}

	keys := make([]*crypto.BLSPublicKey, 0, signers.Count())
	for i, ok := signers.NextSet(0); ok; i, ok = signers.NextSet(i + 1) {
		keys = append(keys, set.VotingKey(uint16(i)))
	}
	pk, err := crypto.AggregatePublicKeys(keys)
	if err != nil {
		if errors.Is(err, crypto.ErrEmptyPublicKeys) {
			return nil, wrapf(ErrMalformedBitmap, "empty signer bitmap")
		}
		return nil, fmt.Errorf("aggregate public keys: %w", err)
	}
	ag.keys.Add(key, pk)
	return pk, nil
}
