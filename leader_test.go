package albatross

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectLeaderIsPure(t *testing.T) {
	set, _ := weightedSet(t, "pure", 1, 1, 1, 1)
	seed := Seed(HashOf([]byte("seed")))

	for i := uint32(0); i < 64; i++ {
		slot := Slot{Epoch: 3, Index: i}
		assert.Equal(t, SelectLeader(seed, set, slot), SelectLeader(seed, set, slot))
	}

	// Another seed reorders the schedule.
	other := Seed(HashOf([]byte("other")))
	differs := false
	for i := uint32(0); i < 64 && !differs; i++ {
		slot := Slot{Index: i}
		differs = SelectLeader(seed, set, slot) != SelectLeader(other, set, slot)
	}
	assert.True(t, differs)
}

func TestSelectLeaderFollowsWeight(t *testing.T) {
	set, _ := weightedSet(t, "weight", 1, 0, 3)
	seed := Seed(HashOf([]byte("weighted")))

	counts := make([]int, set.Len())
	const slots = 4000
	for i := uint32(0); i < slots; i++ {
		counts[SelectLeader(seed, set, Slot{Index: i})]++
	}

	zero := -1
	for i := 0; i < set.Len(); i++ {
		if set.Weight(uint16(i)) == 0 {
			zero = i
		}
	}
	require.GreaterOrEqual(t, zero, 0)
	assert.Zero(t, counts[zero], "zero-weight validator led a slot")

	for i := 0; i < set.Len(); i++ {
		want := float64(slots) * float64(set.Weight(uint16(i))) / float64(set.TotalWeight())
		assert.InDelta(t, want, float64(counts[i]), float64(slots)*0.05, "validator %d", i)
	}
}

func TestMacroProposerChangesEachRound(t *testing.T) {
	set, _ := weightedSet(t, "macro", 5, 1, 1, 1)
	seed := Seed(HashOf([]byte("macro-seed")))

	for h := uint32(8); h < 8*20; h += 8 {
		prev := MacroProposer(seed, set, h, 0)
		for r := uint32(1); r < 10; r++ {
			p := MacroProposer(seed, set, h, r)
			assert.NotEqual(t, prev, p, "height %d round %d", h, r)
			assert.Equal(t, p, MacroProposer(seed, set, h, r))
			prev = p
		}
	}
}

func TestMacroProposerSingleValidator(t *testing.T) {
	set, _ := weightedSet(t, "single", 1, 0)
	seed := Seed(HashOf([]byte("x")))
	only := MacroProposer(seed, set, 8, 0)
	assert.Equal(t, uint64(1), set.Weight(only))
	for r := uint32(1); r < 5; r++ {
		assert.Equal(t, only, MacroProposer(seed, set, 8, r))
	}
}

func TestVerifyLeader(t *testing.T) {
	set, keys := weightedSet(t, "verify", 1, 1, 1)
	epochSeed := Seed(HashOf([]byte("epoch")))
	parent := Seed(HashOf([]byte("parent")))
	slot := Slot{Epoch: 1, Index: 7}
	leader := SelectLeader(epochSeed, set, slot)

	seed, proof, err := keys[leader].ProveVRF(VRFInput(parent, slot))
	require.NoError(t, err)

	got, err := VerifyLeader(epochSeed, set, slot, leader, parent, proof)
	require.NoError(t, err)
	assert.Equal(t, seed, got)

	// Wrong producer, even with its own valid proof.
	other := (leader + 1) % 3
	_, otherProof, err := keys[other].ProveVRF(VRFInput(parent, slot))
	require.NoError(t, err)
	_, err = VerifyLeader(epochSeed, set, slot, other, parent, otherProof)
	assert.ErrorIs(t, err, ErrInvalidLeader)

	// Proof over another parent seed.
	_, err = VerifyLeader(epochSeed, set, slot, leader, Seed{}, proof)
	assert.ErrorIs(t, err, ErrInvalidLeader)

	_, err = VerifyLeader(epochSeed, set, slot, 9, parent, proof)
	assert.ErrorIs(t, err, ErrInvalidLeader)
	assert.ErrorIs(t, err, ErrByzantine)
}

func TestVRFInputBindsSlot(t *testing.T) {
	parent := Seed(HashOf([]byte("p")))
	a := VRFInput(parent, Slot{Epoch: 1, Index: 2})
	assert.NotEqual(t, a, VRFInput(parent, Slot{Epoch: 2, Index: 1}))
	assert.NotEqual(t, a, VRFInput(Seed{}, Slot{Epoch: 1, Index: 2}))
	assert.Equal(t, a, VRFInput(parent, Slot{Epoch: 1, Index: 2}))
}

func BenchmarkSelectLeader(b *testing.B) {
	set, _ := weightedSet(b, "bench", 1, 2, 3, 4, 5, 6, 7)
	seed := Seed(HashOf([]byte("bench")))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SelectLeader(seed, set, Slot{Index: uint32(i)})
	}
}
