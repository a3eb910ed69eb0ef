package albatross

import (
	"math"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// weightedSet builds a set whose i-th keystore has weights[i]. The returned
// keys are in validator index order.
func weightedSet(t testing.TB, name string, weights ...uint64) (*ValidatorSet, []*LocalKeystore) {
	t.Helper()
	keys, err := TestKeystores(name, len(weights))
	require.NoError(t, err)
	vals := make([]Validator, len(keys))
	for i, k := range keys {
		vals[i] = k.Validator(weights[i])
	}
	set, err := NewValidatorSet(vals)
	require.NoError(t, err)

	ordered := make([]*LocalKeystore, set.Len())
	for _, k := range keys {
		idx, ok := set.IndexOf(k.Validator(0).Address)
		require.True(t, ok)
		ordered[idx] = k
	}
	return set, ordered
}

func TestValidatorSetCanonicalOrder(t *testing.T) {
	keys, err := TestKeystores("order", 5)
	require.NoError(t, err)
	vals := make([]Validator, len(keys))
	for i, k := range keys {
		vals[i] = k.Validator(uint64(i + 1))
	}

	a, err := NewValidatorSet(vals)
	require.NoError(t, err)
	reversed := make([]Validator, len(vals))
	for i := range vals {
		reversed[len(vals)-1-i] = vals[i]
	}
	b, err := NewValidatorSet(reversed)
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, uint64(15), a.TotalWeight())
	for i := 1; i < a.Len(); i++ {
		prev, _ := a.At(uint16(i - 1))
		cur, _ := a.At(uint16(i))
		assert.Negative(t, prev.Address.Compare(cur.Address))
	}
}

func TestValidatorSetLookups(t *testing.T) {
	set, keys := weightedSet(t, "lookup", 1, 2, 3)

	for i, k := range keys {
		v, ok := set.At(uint16(i))
		require.True(t, ok)
		assert.Equal(t, k.Validator(v.Weight), v)
		idx, ok := set.IndexOf(v.Address)
		require.True(t, ok)
		assert.Equal(t, uint16(i), idx)
		assert.NotNil(t, set.ProducerKey(uint16(i)))
		assert.NotNil(t, set.VotingKey(uint16(i)))
	}

	_, ok := set.At(3)
	assert.False(t, ok)
	assert.False(t, set.Contains(3))
	assert.Zero(t, set.Weight(3))
	assert.Nil(t, set.ProducerKey(3))
	assert.Nil(t, set.VotingKey(3))
	_, ok = set.IndexOf(Address{})
	assert.False(t, ok)

	// Validators returns a copy.
	vals := set.Validators()
	vals[0].Weight = 99
	assert.NotEqual(t, uint64(99), set.Weight(0))
}

func TestValidatorSetThreshold(t *testing.T) {
	tests := []struct {
		weights   []uint64
		threshold uint64
	}{
		{[]uint64{1}, 1},
		{[]uint64{1, 1, 1}, 2},
		{[]uint64{1, 1, 1, 1}, 3},
		{[]uint64{1, 1, 1, 1, 1, 1, 1}, 5},
		{[]uint64{10, 20, 30, 40}, 67},
		{[]uint64{1, 0, 2}, 2},
		{[]uint64{1, 1, 1, 1, 1}, 4},
		{[]uint64{1 << 62, 1 << 62, 1 << 62}, 1 << 63},
		{[]uint64{math.MaxUint64}, 12297829382473034410},
		{[]uint64{math.MaxUint64 - 1}, 12297829382473034410},
		{[]uint64{math.MaxUint64 / 2, math.MaxUint64/2 + 1}, 12297829382473034410},
	}
	for _, tt := range tests {
		set, _ := weightedSet(t, "threshold", tt.weights...)
		assert.Equal(t, tt.threshold, set.Threshold(), "weights %v", tt.weights)
		assert.True(t, set.HasQuorum(tt.threshold))
		assert.False(t, set.HasQuorum(tt.threshold-1))
		assert.True(t, set.HasQuorum(set.TotalWeight()))
	}
}

func TestValidatorSetExceedsOneThird(t *testing.T) {
	tests := []struct {
		weights []uint64
		least   uint64
	}{
		{[]uint64{1, 1, 1}, 2},
		{[]uint64{1, 1, 1, 1}, 2},
		{[]uint64{1, 1, 1, 1, 1, 1, 1}, 3},
		{[]uint64{10, 20, 30, 40}, 34},
		{[]uint64{math.MaxUint64}, 6148914691236517206},
	}
	for _, tt := range tests {
		set, _ := weightedSet(t, "third", tt.weights...)
		assert.True(t, set.ExceedsOneThird(tt.least), "weights %v", tt.weights)
		assert.False(t, set.ExceedsOneThird(tt.least-1), "weights %v", tt.weights)
	}
}

func TestValidatorSetWeightOf(t *testing.T) {
	set, _ := weightedSet(t, "weightof", 1, 2, 4)
	var total uint64
	for i := 0; i < set.Len(); i++ {
		total += set.Weight(uint16(i))
	}
	assert.Equal(t, set.TotalWeight(), total)

	bm := bitset.New(8)
	bm.Set(0).Set(2)
	assert.Equal(t, set.Weight(0)+set.Weight(2), set.WeightOf(bm))

	// Out-of-range bits contribute nothing.
	bm.Set(7)
	assert.Equal(t, set.Weight(0)+set.Weight(2), set.WeightOf(bm))
	assert.Zero(t, set.WeightOf(nil))
}

func TestValidatorSetRejects(t *testing.T) {
	keys, err := TestKeystores("reject", 2)
	require.NoError(t, err)
	good := keys[0].Validator(1)

	wrongAddress := keys[1].Validator(1)
	wrongAddress.Address = good.Address
	wrongAddress.Address[0] ^= 1

	badVoting := keys[1].Validator(1)
	badVoting.VotingKey = badVoting.VotingKey[:10]

	tests := []struct {
		name string
		vals []Validator
	}{
		{"empty", nil},
		{"duplicate", []Validator{good, good}},
		{"zero total", []Validator{keys[0].Validator(0), keys[1].Validator(0)}},
		{"address mismatch", []Validator{good, wrongAddress}},
		{"bad voting key", []Validator{good, badVoting}},
		{"overflow", []Validator{keys[0].Validator(^uint64(0)), keys[1].Validator(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewValidatorSet(tt.vals)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestAddressParse(t *testing.T) {
	keys, err := TestKeystores("addr", 1)
	require.NoError(t, err)
	addr := keys[0].Validator(1).Address

	got, err := ParseAddress(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	_, err = ParseAddress("0OIl")
	assert.Error(t, err)
	_, err = ParseAddress("abc")
	assert.Error(t, err)
}
