package albatross

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestVoteVerification tests signature and structure checks.
func TestVoteVerification(t *testing.T) {
	f := newFixture(t, 4)
	hash := HashOf([]byte("block"))
	v := f.vote(t, 1, 8, 0, StepPrevote, hash)

	if err := v.Verify(f.set); err != nil {
		t.Fatalf("Valid vote should verify: %v", err)
	}

	// Changing any signed field invalidates the vote.
	mutations := map[string]func(v *Vote){
		"height": func(v *Vote) { v.Height++ },
		"round":  func(v *Vote) { v.Round++ },
		"step":   func(v *Vote) { v.Step = StepPrecommit },
		"hash":   func(v *Vote) { v.BlockHash = Hash{} },
		"signer": func(v *Vote) { v.Signer = 2 },
	}
	for name, mutate := range mutations {
		c := *v
		mutate(&c)
		if err := c.Verify(f.set); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("Changing %s should fail with ErrInvalidSignature, got %v", name, err)
		}
	}

	bad := *v
	bad.Step = StepPropose
	if err := bad.Verify(f.set); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("Propose step should be malformed, got %v", err)
	}
	bad = *v
	bad.Signer = 7
	if err := bad.Verify(f.set); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("Unknown signer should be malformed, got %v", err)
	}
	bad = *v
	bad.Signature = []byte{1, 2, 3}
	if err := bad.Verify(f.set); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Short signature should be invalid, got %v", err)
	}
}

// TestVoteSerialization tests Bytes and VoteFromBytes.
func TestVoteSerialization(t *testing.T) {
	f := newFixture(t, 4)
	v := f.vote(t, 3, 16, 2, StepPrecommit, HashOf([]byte("block")))

	data := v.Bytes()
	if len(data) != voteWireSize+4 {
		t.Errorf("Encoded size should be %d, got %d", voteWireSize+4, len(data))
	}

	got, err := VoteFromBytes(data)
	if err != nil {
		t.Fatalf("VoteFromBytes failed: %v", err)
	}
	if got.Height != 16 || got.Round != 2 || got.Step != StepPrecommit || got.Signer != 3 {
		t.Errorf("Fields changed in round trip: %s", got)
	}
	if err := got.Verify(f.set); err != nil {
		t.Errorf("Decoded vote should verify: %v", err)
	}

	if _, err := VoteFromBytes(data[:10]); !errors.Is(err, ErrMalformedMessage) {
		t.Errorf("Truncated vote should be malformed, got %v", err)
	}
}

// TestVoteConflicts tests conflict detection.
func TestVoteConflicts(t *testing.T) {
	a := &Vote{Height: 8, Round: 1, Step: StepPrevote, BlockHash: HashOf([]byte("a")), Signer: 2}
	b := *a
	b.BlockHash = HashOf([]byte("b"))

	if !a.Conflicts(&b) {
		t.Error("Different hashes in one step should conflict")
	}
	nilVote := *a
	nilVote.BlockHash = Hash{}
	if !a.Conflicts(&nilVote) {
		t.Error("A block vote and a nil vote in one step should conflict")
	}

	c := b
	c.Step = StepPrecommit
	if a.Conflicts(&c) {
		t.Error("Different steps should not conflict")
	}
	c = b
	c.Signer = 3
	if a.Conflicts(&c) {
		t.Error("Different signers should not conflict")
	}
	if a.Conflicts(a) {
		t.Error("A vote should not conflict with itself")
	}
}

// TestVoteString tests the stringer output.
func TestVoteString(t *testing.T) {
	v := &Vote{Height: 8, Round: 1, Step: StepPrecommit, Signer: 2}
	if got := v.String(); got != "Vote{8/1/precommit nil by 2}" {
		t.Errorf("Unexpected string %q", got)
	}
	if got := Step(9).String(); got != "step(9)" {
		t.Errorf("Unexpected step string %q", got)
	}
}

func TestVoteTrackerQuorum(t *testing.T) {
	f := newFixture(t, 4)
	tr := NewVoteTracker(8, f.set)
	hash := HashOf([]byte("block"))

	_, crossed, err := tr.Add(f.vote(t, 0, 8, 0, StepPrevote, hash))
	require.NoError(t, err)
	assert.False(t, crossed)
	_, crossed, err = tr.Add(f.vote(t, 1, 8, 0, StepPrevote, hash))
	require.NoError(t, err)
	assert.False(t, crossed)

	q, crossed, err := tr.Add(f.vote(t, 2, 8, 0, StepPrevote, hash))
	require.NoError(t, err)
	require.True(t, crossed)
	assert.Equal(t, Quorum{Height: 8, Round: 0, Step: StepPrevote, BlockHash: hash, Weight: 3}, q)

	// The fourth vote does not report the quorum again.
	_, crossed, err = tr.Add(f.vote(t, 3, 8, 0, StepPrevote, hash))
	require.NoError(t, err)
	assert.False(t, crossed)

	got, ok := tr.QuorumAt(0, StepPrevote)
	assert.True(t, ok)
	assert.Equal(t, hash, got)
	_, ok = tr.QuorumAt(0, StepPrecommit)
	assert.False(t, ok)

	polka, ok := tr.Polka(0)
	assert.True(t, ok)
	assert.Equal(t, hash, polka)
	assert.Equal(t, uint64(4), tr.Weight(0, StepPrevote, hash))
	assert.Len(t, tr.Contributions(0, StepPrevote, hash), 4)
}

func TestVoteTrackerNilQuorumIsNotAPolka(t *testing.T) {
	f := newFixture(t, 4)
	tr := NewVoteTracker(8, f.set)
	for i := 0; i < 3; i++ {
		_, _, err := tr.Add(f.vote(t, i, 8, 1, StepPrevote, Hash{}))
		require.NoError(t, err)
	}
	got, ok := tr.QuorumAt(1, StepPrevote)
	require.True(t, ok)
	assert.True(t, got.IsZero())
	_, ok = tr.Polka(1)
	assert.False(t, ok)
}

func TestVoteTrackerDuplicateIgnored(t *testing.T) {
	f := newFixture(t, 4)
	tr := NewVoteTracker(8, f.set)
	v := f.vote(t, 0, 8, 0, StepPrecommit, HashOf([]byte("a")))

	_, _, err := tr.Add(v)
	require.NoError(t, err)
	_, _, err = tr.Add(v)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tr.Weight(0, StepPrecommit, v.BlockHash))
}

func TestVoteTrackerDoubleVote(t *testing.T) {
	f := newFixture(t, 4)
	tr := NewVoteTracker(8, f.set)
	a, b := HashOf([]byte("a")), HashOf([]byte("b"))

	_, _, err := tr.Add(f.vote(t, 1, 8, 0, StepPrevote, a))
	require.NoError(t, err)
	_, _, err = tr.Add(f.vote(t, 1, 8, 0, StepPrevote, b))
	require.ErrorIs(t, err, ErrEquivocation)

	var ev *DoubleVoteEvidence
	require.True(t, errors.As(err, &ev))
	assert.Equal(t, uint16(1), ev.Offender())
	assert.Equal(t, uint32(8), ev.Height())
	assert.NoError(t, ev.Verify(f.set))

	// The offender's weight is removed and stays out of the step.
	assert.Zero(t, tr.Weight(0, StepPrevote, a))
	assert.Zero(t, tr.Weight(0, StepPrevote, b))
	_, _, err = tr.Add(f.vote(t, 1, 8, 0, StepPrevote, a))
	assert.NoError(t, err)
	assert.Zero(t, tr.Weight(0, StepPrevote, a))

	// It can still vote in other steps.
	_, _, err = tr.Add(f.vote(t, 1, 8, 0, StepPrecommit, a))
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), tr.Weight(0, StepPrecommit, a))
}

func TestVoteTrackerEvidenceIsOrderIndependent(t *testing.T) {
	f := newFixture(t, 4)
	a := f.vote(t, 2, 8, 0, StepPrecommit, HashOf([]byte("a")))
	b := f.vote(t, 2, 8, 0, StepPrecommit, HashOf([]byte("b")))

	hashes := make([]Hash, 0, 2)
	for _, order := range [][2]*Vote{{a, b}, {b, a}} {
		tr := NewVoteTracker(8, f.set)
		_, _, err := tr.Add(order[0])
		require.NoError(t, err)
		_, _, err = tr.Add(order[1])
		var ev *DoubleVoteEvidence
		require.True(t, errors.As(err, &ev))
		hashes = append(hashes, ev.Hash())
	}
	assert.Equal(t, hashes[0], hashes[1])
}

func TestVoteTrackerRejects(t *testing.T) {
	f := newFixture(t, 4)
	tr := NewVoteTracker(8, f.set)

	_, _, err := tr.Add(f.vote(t, 0, 16, 0, StepPrevote, Hash{}))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, _, err = tr.Add(&Vote{Height: 8, Step: StepPropose})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, _, err = tr.Add(&Vote{Height: 8, Step: StepPrevote, Signer: 4})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, _, err = tr.Add(f.vote(t, 0, 8, maxFutureRounds+1, StepPrevote, Hash{}))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestVoteTrackerRounds(t *testing.T) {
	f := newFixture(t, 4)
	tr := NewVoteTracker(8, f.set)

	_, _, err := tr.Add(f.vote(t, 0, 8, 2, StepPrevote, Hash{}))
	require.NoError(t, err)
	_, _, err = tr.Add(f.vote(t, 0, 8, 2, StepPrecommit, Hash{}))
	require.NoError(t, err)
	_, _, err = tr.Add(f.vote(t, 1, 8, 2, StepPrecommit, Hash{}))
	require.NoError(t, err)
	_, _, err = tr.Add(f.vote(t, 3, 8, 5, StepPrevote, Hash{}))
	require.NoError(t, err)

	// Distinct signers, whatever the step.
	assert.Equal(t, uint64(2), tr.RoundWeight(2))
	assert.Equal(t, uint32(5), tr.MaxRound())

	tr.DiscardBelow(3)
	assert.Zero(t, tr.RoundWeight(2))
	_, _, err = tr.Add(f.vote(t, 2, 8, 2, StepPrevote, Hash{}))
	assert.ErrorIs(t, err, ErrStaleRound)

	// Discarding never goes back.
	tr.DiscardBelow(1)
	_, _, err = tr.Add(f.vote(t, 2, 8, 2, StepPrevote, Hash{}))
	assert.ErrorIs(t, err, ErrStaleRound)
}

func TestVoteTrackerPolkaSurvivesDiscard(t *testing.T) {
	f := newFixture(t, 4)
	tr := NewVoteTracker(8, f.set)
	hash := HashOf([]byte("polka"))
	for i := 0; i < 3; i++ {
		_, _, err := tr.Add(f.vote(t, i, 8, 1, StepPrevote, hash))
		require.NoError(t, err)
	}
	tr.DiscardBelow(4)
	got, ok := tr.Polka(1)
	assert.True(t, ok)
	assert.Equal(t, hash, got)
}

func TestVoteTrackerConcurrentCrossingReportedOnce(t *testing.T) {
	f := newFixture(t, 7)
	tr := NewVoteTracker(8, f.set)
	hash := HashOf([]byte("block"))

	votes := make([]*Vote, f.set.Len())
	for i := range votes {
		votes[i] = f.vote(t, i, 8, 0, StepPrecommit, hash)
	}

	var reported atomic.Int32
	var wg sync.WaitGroup
	for _, v := range votes {
		wg.Add(1)
		go func(v *Vote) {
			defer wg.Done()
			if _, crossed, err := tr.Add(v); err == nil && crossed {
				reported.Add(1)
			}
		}(v)
	}
	wg.Wait()

	assert.Equal(t, int32(1), reported.Load())
	assert.Len(t, tr.Contributions(0, StepPrecommit, hash), 7)
}

func BenchmarkVoteVerification(b *testing.B) {
	f := newFixture(b, 4)
	v := f.vote(b, 0, 8, 0, StepPrevote, HashOf([]byte("bench")))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := v.Verify(f.set); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkVoteTrackerAdd(b *testing.B) {
	f := newFixture(b, 4)
	hash := HashOf([]byte("bench"))
	votes := make([]*Vote, 4)
	for i := range votes {
		votes[i] = f.vote(b, i, 8, 0, StepPrecommit, hash)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tr := NewVoteTracker(8, f.set)
		for _, v := range votes {
			if _, _, err := tr.Add(v); err != nil {
				b.Fatal(err)
			}
		}
	}
}
