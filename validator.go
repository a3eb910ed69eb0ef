package albatross

import (
	"bytes"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/edgedlt/albatross/internal/crypto"
)

// MaxValidators bounds the set size so indices fit a uint16 signer id.
const MaxValidators = 1 << 12

// validatorWireSize is address + producer key + voting key + weight.
const validatorWireSize = AddressSize + crypto.Ed25519PublicKeySize + crypto.BLSPublicKeySize + 8

// Validator is one entry of an epoch's validator set.
type Validator struct {
	// Address is derived from ProducerKey with AddressFromKey.
	Address Address

	// ProducerKey is the Ed25519 key that signs micro blocks.
	ProducerKey []byte

	// VotingKey is the compressed BLS12-381 G2 key used for votes,
	// proposals and VRF seed proofs.
	VotingKey []byte

	// Weight is the validator's voting power.
	Weight uint64
}

// NewValidator builds a Validator from parsed keys.
func NewValidator(producer *crypto.Ed25519PublicKey, voting *crypto.BLSPublicKey, weight uint64) Validator {
	return Validator{
		Address:     AddressFromKey(producer.Bytes()),
		ProducerKey: producer.Bytes(),
		VotingKey:   voting.Bytes(),
		Weight:      weight,
	}
}

// Equal reports whether two validators are identical.
func (v Validator) Equal(o Validator) bool {
	return v.Address == o.Address &&
		v.Weight == o.Weight &&
		bytes.Equal(v.ProducerKey, o.ProducerKey) &&
		bytes.Equal(v.VotingKey, o.VotingKey)
}

func (v Validator) encode(w *writer) {
	w.fixed(v.Address[:])
	w.fixed(v.ProducerKey)
	w.fixed(v.VotingKey)
	w.u64(v.Weight)
}

func decodeValidator(r *reader) Validator {
	var v Validator
	copy(v.Address[:], r.take(AddressSize))
	v.ProducerKey = append([]byte(nil), r.take(crypto.Ed25519PublicKeySize)...)
	v.VotingKey = append([]byte(nil), r.take(crypto.BLSPublicKeySize)...)
	v.Weight = r.u64()
	return v
}

// ValidatorSet is an immutable, canonically ordered validator set.
// A validator's index is its position in Address order and its bit in
// signer bitmaps.
type ValidatorSet struct {
	validators   []Validator
	index        map[Address]uint16
	producerKeys []*crypto.Ed25519PublicKey
	votingKeys   []*crypto.BLSPublicKey
	total        uint64
	hash         Hash
}

// NewValidatorSet validates and sorts the given validators.
func NewValidatorSet(vals []Validator) (*ValidatorSet, error) {
	if len(vals) == 0 {
		return nil, wrapConfig("validator set is empty")
	}
	if len(vals) > MaxValidators {
		return nil, wrapConfigf("validator set too large: %d > %d", len(vals), MaxValidators)
	}

	sorted := make([]Validator, len(vals))
	copy(sorted, vals)
	slices.SortFunc(sorted, func(a, b Validator) int { return a.Address.Compare(b.Address) })

	vs := &ValidatorSet{
		validators:   sorted,
		index:        make(map[Address]uint16, len(sorted)),
		producerKeys: make([]*crypto.Ed25519PublicKey, len(sorted)),
		votingKeys:   make([]*crypto.BLSPublicKey, len(sorted)),
	}

	w := newWriter(len(sorted) * validatorWireSize)
	for i, v := range sorted {
		if _, dup := vs.index[v.Address]; dup {
			return nil, wrapConfigf("duplicate validator address %s", v.Address)
		}
		pk, err := crypto.Ed25519PublicKeyFromBytes(v.ProducerKey)
		if err != nil {
			return nil, wrapConfigf("validator %s producer key: %v", v.Address, err)
		}
		if AddressFromKey(v.ProducerKey) != v.Address {
			return nil, wrapConfigf("validator %s address does not match producer key", v.Address)
		}
		vk, err := crypto.BLSPublicKeyFromBytes(v.VotingKey)
		if err != nil {
			return nil, wrapConfigf("validator %s voting key: %v", v.Address, err)
		}
		if vs.total+v.Weight < vs.total {
			return nil, wrapConfig("total weight overflows")
		}
		vs.total += v.Weight
		vs.index[v.Address] = uint16(i)
		vs.producerKeys[i] = pk
		vs.votingKeys[i] = vk
		v.encode(w)
	}
	if vs.total == 0 {
		return nil, wrapConfig("total voting power must be positive")
	}
	vs.hash = HashOf(w.bytes())
	return vs, nil
}

// Len returns the number of validators.
func (vs *ValidatorSet) Len() int { return len(vs.validators) }

// At returns the validator at index i.
func (vs *ValidatorSet) At(i uint16) (Validator, bool) {
	if int(i) >= len(vs.validators) {
		return Validator{}, false
	}
	return vs.validators[i], true
}

// Contains reports whether i is a valid index.
func (vs *ValidatorSet) Contains(i uint16) bool { return int(i) < len(vs.validators) }

// IndexOf returns the index of the validator with the given address.
func (vs *ValidatorSet) IndexOf(addr Address) (uint16, bool) {
	i, ok := vs.index[addr]
	return i, ok
}

// Weight returns the weight of validator i, or 0 if out of range.
func (vs *ValidatorSet) Weight(i uint16) uint64 {
	if int(i) >= len(vs.validators) {
		return 0
	}
	return vs.validators[i].Weight
}

// TotalWeight returns the sum of all weights.
func (vs *ValidatorSet) TotalWeight() uint64 { return vs.total }

// Threshold returns the quorum weight, ceil(2*total/3). It is computed
// without forming 2*total, which overflows for totals above 1<<63.
func (vs *ValidatorSet) Threshold() uint64 {
	return vs.total/3*2 + (vs.total%3*2+2)/3
}

// ExceedsOneThird reports whether weight is more than a third of the
// total, so that at least one honest validator contributed to it.
func (vs *ValidatorSet) ExceedsOneThird(weight uint64) bool {
	return weight > vs.total/3
}

// HasQuorum reports whether weight reaches the quorum threshold.
func (vs *ValidatorSet) HasQuorum(weight uint64) bool {
	return weight >= vs.Threshold()
}

// WeightOf sums the weights of the signers in bitmap. Out-of-range bits
// contribute nothing; Aggregator.Verify rejects them separately.
func (vs *ValidatorSet) WeightOf(bitmap *bitset.BitSet) uint64 {
	var w uint64
	if bitmap == nil {
		return 0
	}
	for i, ok := bitmap.NextSet(0); ok && int(i) < len(vs.validators); i, ok = bitmap.NextSet(i + 1) {
		w += vs.validators[i].Weight
	}
	return w
}

// ProducerKey returns the parsed Ed25519 key of validator i.
func (vs *ValidatorSet) ProducerKey(i uint16) *crypto.Ed25519PublicKey {
	if int(i) >= len(vs.producerKeys) {
		return nil
	}
	return vs.producerKeys[i]
}

// VotingKey returns the parsed BLS key of validator i.
func (vs *ValidatorSet) VotingKey(i uint16) *crypto.BLSPublicKey {
	if int(i) >= len(vs.votingKeys) {
		return nil
	}
	return vs.votingKeys[i]
}

// Validators returns a copy of the validators in canonical order.
func (vs *ValidatorSet) Validators() []Validator {
	out := make([]Validator, len(vs.validators))
	copy(out, vs.validators)
	return out
}

// Hash returns the digest of the canonical encoding of the set.
func (vs *ValidatorSet) Hash() Hash { return vs.hash }

// Equal reports whether both sets list the same validators.
func (vs *ValidatorSet) Equal(o *ValidatorSet) bool {
	return o != nil && vs.hash == o.hash
}
