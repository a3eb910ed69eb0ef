package albatross

import (
	"sync"
	"sync/atomic"
)

// maxFutureRounds bounds how far ahead of the live round votes are buffered.
const maxFutureRounds = 16

// Quorum describes a (height, round, step) whose votes for one hash (nil
// when zero) crossed the threshold.
type Quorum struct {
	Height    uint32
	Round     uint32
	Step      Step
	BlockHash Hash
	Weight    uint64
}

type roundStep struct {
	round uint32
	step  Step
}

// tally holds the votes of one (round, step).
type tally struct {
	votes     map[uint16]*Vote
	weights   map[Hash]uint64
	excluded  map[uint16]struct{}
	quorum    *Quorum
	triggered atomic.Bool
}

func newTally() *tally {
	return &tally{
		votes:    make(map[uint16]*Vote),
		weights:  make(map[Hash]uint64),
		excluded: make(map[uint16]struct{}),
	}
}

// VoteTracker accumulates verified votes for one height.
//
// Votes must be signature-checked before Add. The tracker only counts: it
// reports the first crossing of the quorum threshold per (round, step)
// exactly once, even under concurrent Add calls, and turns a second vote
// from one signer for a different hash into DoubleVoteEvidence, excluding
// that signer from the (round, step) from then on.
type VoteTracker struct {
	mu       sync.Mutex
	height   uint32
	set      *ValidatorSet
	minRound uint32
	tallies  map[roundStep]*tally
	// polkas records prevote quorums for a block. Unlike tallies they
	// survive DiscardBelow: a later proposal may cite one as its valid round.
	polkas map[uint32]Hash
}

// NewVoteTracker creates a tracker for height over set.
func NewVoteTracker(height uint32, set *ValidatorSet) *VoteTracker {
	return &VoteTracker{
		height:  height,
		set:     set,
		tallies: make(map[roundStep]*tally),
		polkas:  make(map[uint32]Hash),
	}
}

// Height returns the tracked height.
func (t *VoteTracker) Height() uint32 { return t.height }

// Add counts v. It returns the quorum and true for exactly one caller: the
// one whose vote first lifts a hash to the threshold in v's (round, step).
// An equivocating vote returns *DoubleVoteEvidence as the error.
func (t *VoteTracker) Add(v *Vote) (Quorum, bool, error) {
	if v.Height != t.height {
		return Quorum{}, false, wrapf(ErrInvalidMessage, "vote height %d, tracking %d", v.Height, t.height)
	}
	if !v.Step.IsVote() {
		return Quorum{}, false, wrapMalformed("vote step %s", v.Step)
	}
	if !t.set.Contains(v.Signer) {
		return Quorum{}, false, wrapMalformed("vote signer %d out of range", v.Signer)
	}
	weight := t.set.Weight(v.Signer)

	t.mu.Lock()
	if v.Round < t.minRound {
		t.mu.Unlock()
		return Quorum{}, false, wrapf(ErrStaleRound, "round %d below %d", v.Round, t.minRound)
	}
	if v.Round > t.minRound+maxFutureRounds {
		t.mu.Unlock()
		return Quorum{}, false, wrapf(ErrInvalidMessage, "round %d too far ahead of %d", v.Round, t.minRound)
	}

	key := roundStep{round: v.Round, step: v.Step}
	tl, ok := t.tallies[key]
	if !ok {
		tl = newTally()
		t.tallies[key] = tl
	}

	if _, bad := tl.excluded[v.Signer]; bad {
		t.mu.Unlock()
		return Quorum{}, false, nil
	}
	if prev, seen := tl.votes[v.Signer]; seen {
		if prev.BlockHash == v.BlockHash {
			t.mu.Unlock()
			return Quorum{}, false, nil
		}
		// Equivocation: remove the signer's weight everywhere in this
		// (round, step) and keep it out.
		tl.weights[prev.BlockHash] -= weight
		delete(tl.votes, v.Signer)
		tl.excluded[v.Signer] = struct{}{}
		t.mu.Unlock()
		return Quorum{}, false, newDoubleVoteEvidence(prev, v)
	}

	tl.votes[v.Signer] = v
	tl.weights[v.BlockHash] += weight
	total := tl.weights[v.BlockHash]
	crossed := tl.quorum == nil && t.set.HasQuorum(total)
	var q Quorum
	if crossed {
		q = Quorum{Height: t.height, Round: v.Round, Step: v.Step, BlockHash: v.BlockHash, Weight: total}
		tl.quorum = &q
		if v.Step == StepPrevote && !v.IsNil() {
			t.polkas[v.Round] = v.BlockHash
		}
	}
	t.mu.Unlock()

	if crossed && tl.triggered.CompareAndSwap(false, true) {
		return q, true, nil
	}
	return Quorum{}, false, nil
}

// QuorumAt returns the hash that reached quorum at (round, step), if any.
func (t *VoteTracker) QuorumAt(round uint32, step Step) (Hash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, ok := t.tallies[roundStep{round: round, step: step}]
	if !ok || tl.quorum == nil {
		return Hash{}, false
	}
	return tl.quorum.BlockHash, true
}

// Polka returns the block that had a prevote quorum in round.
func (t *VoteTracker) Polka(round uint32) (Hash, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.polkas[round]
	return h, ok
}

// Contributions returns the signatures of the non-excluded votes for hash
// at (round, step), ready for Aggregate.
func (t *VoteTracker) Contributions(round uint32, step Step, hash Hash) []Contribution {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, ok := t.tallies[roundStep{round: round, step: step}]
	if !ok {
		return nil
	}
	out := make([]Contribution, 0, len(tl.votes))
	for i := 0; i < t.set.Len(); i++ {
		v, ok := tl.votes[uint16(i)]
		if ok && v.BlockHash == hash {
			out = append(out, Contribution{Signer: v.Signer, Signature: v.Signature})
		}
	}
	return out
}

// Weight returns the weight voting for hash at (round, step).
func (t *VoteTracker) Weight(round uint32, step Step, hash Hash) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	tl, ok := t.tallies[roundStep{round: round, step: step}]
	if !ok {
		return 0
	}
	return tl.weights[hash]
}

// RoundWeight returns the weight of distinct validators that voted in round
// at any step. Used to skip ahead to rounds the rest of the network is in.
func (t *VoteTracker) RoundWeight(round uint32) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[uint16]struct{})
	var w uint64
	for _, step := range []Step{StepPrevote, StepPrecommit} {
		tl, ok := t.tallies[roundStep{round: round, step: step}]
		if !ok {
			continue
		}
		for signer := range tl.votes {
			if _, dup := seen[signer]; !dup {
				seen[signer] = struct{}{}
				w += t.set.Weight(signer)
			}
		}
	}
	return w
}

// MaxRound returns the highest round holding any vote.
func (t *VoteTracker) MaxRound() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var highest uint32
	for k := range t.tallies {
		if k.round > highest {
			highest = k.round
		}
	}
	return highest
}

// DiscardBelow drops every round below round. Later votes for those rounds
// fail with ErrStaleRound. Polka records are kept.
func (t *VoteTracker) DiscardBelow(round uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if round <= t.minRound {
		return
	}
	t.minRound = round
	for k := range t.tallies {
		if k.round < round {
			delete(t.tallies, k)
		}
	}
}
