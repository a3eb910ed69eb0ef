package albatross

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoubleVoteEvidenceVerify(t *testing.T) {
	f := newFixture(t, 4)
	a := f.vote(t, 1, 8, 0, StepPrecommit, HashOf([]byte("a")))
	b := f.vote(t, 1, 8, 0, StepPrecommit, HashOf([]byte("b")))

	ev := newDoubleVoteEvidence(a, b)
	require.NoError(t, ev.Verify(f.set))
	assert.ErrorIs(t, ev, ErrEquivocation)
	assert.ErrorIs(t, ev, ErrByzantine)
	assert.Equal(t, ev.Hash(), newDoubleVoteEvidence(b, a).Hash())
	assert.Contains(t, ev.Error(), "validator 1")

	// Votes from different rounds do not conflict.
	c := f.vote(t, 1, 8, 1, StepPrecommit, HashOf([]byte("b")))
	assert.ErrorIs(t, (&DoubleVoteEvidence{VoteA: a, VoteB: c}).Verify(f.set), ErrInvalidMessage)

	// A forged vote does not make evidence.
	forged := *b
	forged.Signature = a.Signature
	assert.ErrorIs(t, (&DoubleVoteEvidence{VoteA: a, VoteB: &forged}).Verify(f.set), ErrInvalidSignature)
}

func TestForkProofVerify(t *testing.T) {
	f := newFixture(t, 4)
	b := f.chain(t, NewTestStateStore(), 1)[0]

	twin := cloneMicro(b)
	twin.Body = []Transaction{Transaction("double")}
	twin.Header.BodyRoot = BodyRoot(twin.Body)
	resign(t, f, twin)

	proof := newForkProof(b, twin)
	require.NoError(t, proof.Verify(f.set))
	assert.Equal(t, b.Header.Producer, proof.Offender())
	assert.Equal(t, b.Header.Height, proof.Height())
	assert.ErrorIs(t, proof, ErrEquivocation)
	assert.Equal(t, proof.Hash(), newForkProof(twin, b).Hash())

	same := newForkProof(b, b)
	assert.ErrorIs(t, same.Verify(f.set), ErrInvalidMessage)

	otherSlot := cloneMicro(twin)
	otherSlot.Header.Slot++
	resign(t, f, otherSlot)
	assert.ErrorIs(t, newForkProof(b, otherSlot).Verify(f.set), ErrInvalidMessage)

	unsigned := newForkProof(b, twin)
	unsigned.SignatureB = unsigned.SignatureA
	assert.ErrorIs(t, unsigned.Verify(f.set), ErrInvalidSignature)
}

func TestEvidencePool(t *testing.T) {
	f := newFixture(t, 4)
	pool, err := NewEvidencePool(0)
	require.NoError(t, err)

	ev := newDoubleVoteEvidence(
		f.vote(t, 2, 8, 0, StepPrevote, HashOf([]byte("a"))),
		f.vote(t, 2, 8, 0, StepPrevote, HashOf([]byte("b"))),
	)
	assert.True(t, pool.Add(ev))
	assert.False(t, pool.Add(ev))
	// The same offence observed in the other order.
	assert.False(t, pool.Add(newDoubleVoteEvidence(ev.VoteB, ev.VoteA)))
	assert.Equal(t, 1, pool.Len())

	drained := pool.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, ev.Hash(), drained[0].Hash())
	assert.Zero(t, pool.Len())

	// Drained evidence is still remembered.
	assert.False(t, pool.Add(ev))
}

func TestEvidencePoolBounded(t *testing.T) {
	f := newFixture(t, 4)
	pool, err := NewEvidencePool(2)
	require.NoError(t, err)

	var all []Evidence
	for r := uint32(0); r < 3; r++ {
		ev := newDoubleVoteEvidence(
			f.vote(t, 0, 8, r, StepPrevote, HashOf([]byte("a"))),
			f.vote(t, 0, 8, r, StepPrevote, HashOf([]byte("b"))),
		)
		require.True(t, pool.Add(ev))
		all = append(all, ev)
	}
	drained := pool.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, all[1].Hash(), drained[0].Hash())
	assert.Equal(t, all[2].Hash(), drained[1].Hash())
}

func TestEvidencePoolConcurrentAdd(t *testing.T) {
	f := newFixture(t, 4)
	pool, err := NewEvidencePool(0)
	require.NoError(t, err)
	ev := newDoubleVoteEvidence(
		f.vote(t, 3, 8, 0, StepPrecommit, HashOf([]byte("a"))),
		f.vote(t, 3, 8, 0, StepPrecommit, Hash{}),
	)

	var wg sync.WaitGroup
	added := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added <- pool.Add(ev)
		}()
	}
	wg.Wait()
	close(added)

	n := 0
	for ok := range added {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n)
}
