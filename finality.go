package albatross

import (
	"errors"

	"go.uber.org/zap"

	"github.com/edgedlt/albatross/timer"
)

// finalityHost is what Finality needs from its engine. Calls are made from
// the engine's main loop. buildProposal and validateProposal start work off
// the loop; their results come back through OnProposalBuilt and
// OnProposalValidated.
type finalityHost interface {
	broadcast(m Message)
	buildProposal(height, round uint32)
	validateProposal(p *ProposalMessage)
	commit(b *MacroBlock)
	evidence(ev Evidence)
	viewChange(height, oldRound, newRound uint32)
}

// proposalKey identifies one proposal under validation.
type proposalKey struct {
	round uint32
	hash  Hash
}

// Finality runs the BFT rounds that commit the macro block closing an epoch.
//
// Each round has three steps. In Propose the round's proposer broadcasts a
// candidate. In Prevote every validator votes for it if it is valid and
// compatible with its lock, or for nil. A prevote quorum for a block locks
// it and is followed by a precommit for it. A precommit quorum for a block
// commits it, with the aggregated precommits as its justification. A round
// that times out, or whose precommit quorum is for nil, ends with a view
// change into the next round and a new proposer.
//
// CRITICAL SAFETY: a validator locked on a block only prevotes another
// block when the proposal cites a later round in which that block had a
// prevote quorum. Rounds only increase. Every signature goes through the
// SafeSigner.
//
// Finality is not safe for concurrent use. The engine's main loop owns it.
type Finality struct {
	signer     *SafeSigner
	aggregator *Aggregator
	pacemaker  *Pacemaker
	host       finalityHost
	logger     *zap.Logger

	epoch  *Epoch
	height uint32
	self   int

	round  uint32
	step   Step
	active bool
	done   bool

	tracker   *VoteTracker
	proposals map[uint32]*ProposalMessage
	invalid   map[uint32]bool
	pending   map[proposalKey]struct{}
	building  map[uint32]bool
	deferred  []*ProposalMessage
	headers   map[Hash]*MacroHeader

	lockedRound int32
	lockedHash  Hash
	validRound  int32
	validHash   Hash

	// waiting is a precommit quorum whose header is not known yet.
	waiting *Quorum
}

// NewFinality creates a Finality. signer may be nil for a node that follows
// finality without voting.
func NewFinality(signer *SafeSigner, aggregator *Aggregator, pacemaker *Pacemaker, host finalityHost, logger *zap.Logger) *Finality {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finality{
		signer:     signer,
		aggregator: aggregator,
		pacemaker:  pacemaker,
		host:       host,
		logger:     logger,
		self:       -1,
		done:       true,
	}
}

// Reset prepares finality for the macro block closing epoch. Votes and
// proposals for it are accepted from now on; rounds start with Start.
func (f *Finality) Reset(epoch *Epoch, height uint32) {
	f.epoch = epoch
	f.height = height
	f.self = -1
	if f.signer != nil {
		if idx, ok := epoch.Validators.IndexOf(f.signer.Address()); ok {
			f.self = int(idx)
		}
	}
	f.round = 0
	f.step = StepPropose
	f.active = false
	f.done = false
	f.tracker = NewVoteTracker(height, epoch.Validators)
	f.proposals = make(map[uint32]*ProposalMessage)
	f.invalid = make(map[uint32]bool)
	f.pending = make(map[proposalKey]struct{})
	f.building = make(map[uint32]bool)
	f.deferred = nil
	f.headers = make(map[Hash]*MacroHeader)
	f.lockedRound, f.lockedHash = -1, Hash{}
	f.validRound, f.validHash = -1, Hash{}
	f.waiting = nil

	f.logger.Debug("finality reset",
		zap.Uint32("height", height),
		zap.Uint32("epoch", epoch.Number),
		zap.Int("self", f.self))
}

// Start begins the rounds once the parent of the macro block is known
// locally. It joins the highest round that already holds votes from more
// than a third of the weight.
func (f *Finality) Start() {
	if f.done || f.active || f.tracker == nil {
		return
	}
	f.active = true

	start := uint32(0)
	for r := f.tracker.MaxRound(); r > 0; r-- {
		if f.oneThird(f.tracker.RoundWeight(r)) {
			start = r
			break
		}
	}
	if start > 0 {
		f.tracker.DiscardBelow(start)
	}

	deferred := f.deferred
	f.deferred = nil
	for _, p := range deferred {
		f.dispatch(p)
	}

	f.logger.Info("finality started",
		zap.Uint32("height", f.height),
		zap.Uint32("round", start))
	f.enterRound(start)
}

// Height returns the macro height being decided.
func (f *Finality) Height() uint32 { return f.height }

// Round returns the current round.
func (f *Finality) Round() uint32 { return f.round }

// Step returns the current step.
func (f *Finality) Step() Step { return f.step }

// Active reports whether rounds are running.
func (f *Finality) Active() bool { return f.active }

// Committed reports whether the height has been decided.
func (f *Finality) Committed() bool { return f.done }

// Locked returns the locked round and block, or -1 when unlocked.
func (f *Finality) Locked() (int32, Hash) { return f.lockedRound, f.lockedHash }

// Epoch returns the epoch being closed.
func (f *Finality) Epoch() *Epoch { return f.epoch }

func (f *Finality) oneThird(weight uint64) bool {
	return f.epoch.Validators.ExceedsOneThird(weight)
}

func (f *Finality) isProposer(round uint32) bool {
	return f.self >= 0 && MacroProposer(f.epoch.Seed, f.epoch.Validators, f.height, round) == uint16(f.self)
}

// enterRound starts round r at the Propose step.
func (f *Finality) enterRound(r uint32) {
	f.round = r
	f.step = StepPropose
	f.pacemaker.Schedule(f.height, r, StepPropose)

	f.logger.Debug("entering round",
		zap.Uint32("height", f.height),
		zap.Uint32("round", r),
		zap.Uint16("proposer", MacroProposer(f.epoch.Seed, f.epoch.Validators, f.height, r)))

	if f.isProposer(r) {
		f.propose()
	}
	if f.step != StepPropose {
		return
	}
	if p, ok := f.proposals[r]; ok {
		f.prevoteFor(p)
	} else if f.invalid[r] {
		f.castVote(StepPrevote, Hash{})
	}
	if !f.done {
		f.checkVotes(r)
	}
}

// propose re-proposes the valid block if there is one, else asks the host
// to build a new candidate.
func (f *Finality) propose() {
	if f.validRound >= 0 {
		if h, ok := f.headers[f.validHash]; ok {
			f.sendProposal(*h, f.validRound)
			return
		}
	}
	if f.building[f.round] {
		return
	}
	f.building[f.round] = true
	f.host.buildProposal(f.height, f.round)
}

// OnProposalBuilt delivers a candidate header built for round. A build
// error leaves the round to its propose timeout.
func (f *Finality) OnProposalBuilt(round uint32, header MacroHeader, err error) {
	delete(f.building, round)
	if err != nil {
		f.logger.Warn("failed to build proposal",
			zap.Uint32("height", f.height),
			zap.Uint32("round", round),
			zap.Error(err))
		return
	}
	if !f.active || f.done || round != f.round || f.step != StepPropose {
		return
	}
	f.sendProposal(header, -1)
}

func (f *Finality) sendProposal(header MacroHeader, validRound int32) {
	p := &ProposalMessage{Header: header, Round: f.round, ValidRound: validRound}
	if err := f.signer.SignProposal(p); err != nil {
		f.logger.Warn("refused to sign proposal",
			zap.Uint32("height", f.height),
			zap.Uint32("round", f.round),
			zap.Error(err))
		return
	}
	f.logger.Info("proposing macro block",
		zap.Uint32("height", f.height),
		zap.Uint32("round", f.round),
		zap.Int32("valid_round", validRound),
		zap.Stringer("hash", header.Hash()))

	f.headers[header.Hash()] = &p.Header
	f.proposals[f.round] = p
	f.host.broadcast(p)
	f.prevoteFor(p)
}

// OnProposal accepts a decoded proposal and hands it to the host for
// validation.
func (f *Finality) OnProposal(p *ProposalMessage) error {
	if f.tracker == nil || p.Header.Height != f.height {
		return wrapf(ErrInvalidMessage, "proposal for height %d, deciding %d", p.Header.Height, f.height)
	}
	if f.done {
		return nil
	}
	if p.Round < f.round {
		return wrapf(ErrStaleRound, "proposal for round %d, in round %d", p.Round, f.round)
	}
	if p.Round > f.round+maxFutureRounds {
		return wrapf(ErrInvalidMessage, "proposal round %d too far ahead of %d", p.Round, f.round)
	}
	if _, ok := f.proposals[p.Round]; ok {
		return nil
	}
	f.dispatch(p)
	return nil
}

func (f *Finality) dispatch(p *ProposalMessage) {
	key := proposalKey{round: p.Round, hash: p.Header.Hash()}
	if _, ok := f.pending[key]; ok {
		return
	}
	f.pending[key] = struct{}{}
	f.host.validateProposal(p)
}

// OnProposalValidated delivers the result of validating p. authentic
// reports whether p was signed by the round's proposer; unauthenticated
// proposals are dropped without affecting the round.
func (f *Finality) OnProposalValidated(p *ProposalMessage, authentic bool, err error) {
	delete(f.pending, proposalKey{round: p.Round, hash: p.Header.Hash()})
	if f.done || p.Header.Height != f.height || p.Round < f.round {
		return
	}
	if !authentic {
		f.logger.Debug("dropped unauthenticated proposal",
			zap.Uint32("height", f.height),
			zap.Uint32("round", p.Round),
			zap.Error(err))
		return
	}
	if err != nil {
		if errors.Is(err, ErrUnknownParent) && !f.active {
			f.deferred = append(f.deferred, p)
			return
		}
		f.logger.Warn("invalid proposal",
			zap.Uint32("height", f.height),
			zap.Uint32("round", p.Round),
			zap.Uint16("proposer", p.Header.Proposer),
			zap.Error(err))
		f.invalid[p.Round] = true
		if f.active && p.Round == f.round && f.step == StepPropose {
			f.castVote(StepPrevote, Hash{})
		}
		return
	}

	hash := p.Header.Hash()
	f.proposals[p.Round] = p
	f.headers[hash] = &p.Header

	if f.waiting != nil && f.waiting.BlockHash == hash {
		q := *f.waiting
		f.commit(q.Round, q.BlockHash)
		return
	}
	if f.active && p.Round == f.round && f.step == StepPropose {
		f.prevoteFor(p)
	}
	if !f.done {
		f.checkVotes(p.Round)
	}
}

// prevoteFor applies the locking rule to a valid proposal of this round.
func (f *Finality) prevoteFor(p *ProposalMessage) {
	hash := p.Header.Hash()
	ok := f.lockedRound < 0 || f.lockedHash == hash
	if !ok && p.ValidRound >= 0 && p.ValidRound >= f.lockedRound {
		polka, has := f.tracker.Polka(uint32(p.ValidRound))
		ok = has && polka == hash
	}
	if ok {
		f.castVote(StepPrevote, hash)
	} else {
		f.logger.Debug("locked on another block, prevoting nil",
			zap.Uint32("height", f.height),
			zap.Uint32("round", f.round),
			zap.Int32("locked_round", f.lockedRound))
		f.castVote(StepPrevote, Hash{})
	}
}

// castVote moves to step, arms its timeout and signs and broadcasts the
// vote if this node is a validator.
func (f *Finality) castVote(step Step, hash Hash) {
	f.step = step
	f.pacemaker.Schedule(f.height, f.round, step)
	if f.self < 0 {
		return
	}

	v := &Vote{Height: f.height, Round: f.round, Step: step, BlockHash: hash, Signer: uint16(f.self)}
	if err := f.signer.SignVote(v); err != nil {
		f.logger.Warn("refused to sign vote", zap.Stringer("vote", v), zap.Error(err))
		return
	}
	f.host.broadcast(&VoteMessage{Vote: v})
	if err := f.addVote(v); err != nil {
		f.logger.Error("own vote rejected", zap.Stringer("vote", v), zap.Error(err))
	}
}

// OnVote counts a signature-verified vote.
func (f *Finality) OnVote(v *Vote) error {
	return f.addVote(v)
}

func (f *Finality) addVote(v *Vote) error {
	if f.tracker == nil || v.Height != f.height {
		return wrapf(ErrInvalidMessage, "vote for height %d, deciding %d", v.Height, f.height)
	}
	if f.done {
		return nil
	}
	q, crossed, err := f.tracker.Add(v)
	if err != nil {
		var ev Evidence
		if errors.As(err, &ev) {
			f.host.evidence(ev)
			return nil
		}
		return err
	}
	if crossed {
		f.logger.Debug("quorum reached",
			zap.Uint32("height", q.Height),
			zap.Uint32("round", q.Round),
			zap.Stringer("step", q.Step),
			zap.Stringer("hash", q.BlockHash),
			zap.Uint64("weight", q.Weight))
	}
	f.checkVotes(v.Round)
	return nil
}

// checkVotes applies every transition the votes of round r allow.
func (f *Finality) checkVotes(r uint32) {
	if hash, ok := f.tracker.QuorumAt(r, StepPrecommit); ok && !hash.IsZero() {
		f.commit(r, hash)
		return
	}
	if !f.active {
		return
	}
	if r > f.round {
		if f.oneThird(f.tracker.RoundWeight(r)) {
			f.moveTo(r, "round skip")
		}
		return
	}
	if r < f.round {
		return
	}

	polka, hasPolka := f.tracker.QuorumAt(r, StepPrevote)
	if hasPolka && !polka.IsZero() && f.step >= StepPrevote && int32(r) > f.validRound {
		if _, known := f.headers[polka]; known {
			f.validRound, f.validHash = int32(r), polka
		}
	}

	if f.step == StepPrevote && hasPolka {
		if polka.IsZero() {
			f.castVote(StepPrecommit, Hash{})
		} else if _, known := f.headers[polka]; known {
			f.lockedRound, f.lockedHash = int32(r), polka
			f.validRound, f.validHash = int32(r), polka
			f.castVote(StepPrecommit, polka)
		}
	}

	if r == f.round && !f.done {
		if hash, ok := f.tracker.QuorumAt(r, StepPrecommit); ok && hash.IsZero() {
			f.moveTo(r+1, "nil precommit quorum")
		}
	}
}

// commit finalizes hash with the precommits of round r.
func (f *Finality) commit(r uint32, hash Hash) {
	header, ok := f.headers[hash]
	if !ok {
		if f.waiting == nil {
			f.logger.Info("precommit quorum for unknown block, waiting for it",
				zap.Uint32("height", f.height),
				zap.Uint32("round", r),
				zap.Stringer("hash", hash))
		}
		f.waiting = &Quorum{Height: f.height, Round: r, Step: StepPrecommit, BlockHash: hash}
		return
	}

	agg, err := Aggregate(f.tracker.Contributions(r, StepPrecommit, hash))
	if err != nil {
		f.logger.Error("failed to aggregate precommits", zap.Uint32("round", r), zap.Error(err))
		return
	}
	if err := f.aggregator.VerifyQuorum(agg, PrecommitSignBytes(f.height, r, hash), f.epoch.Validators); err != nil {
		f.logger.Error("aggregated justification does not verify", zap.Uint32("round", r), zap.Error(err))
		return
	}
	block := &MacroBlock{Header: *header, Justification: &Justification{Round: r, Aggregate: agg}}

	f.finish()
	f.logger.Info("macro block committed",
		zap.Uint32("height", f.height),
		zap.Uint32("round", r),
		zap.Int("signers", agg.SignerCount()),
		zap.Stringer("hash", hash))
	f.host.broadcast(&MacroBlockMessage{Block: block})
	f.host.commit(block)
}

// OnExternalCommit ends the height when a justified macro block for it was
// received from a peer.
func (f *Finality) OnExternalCommit(block *MacroBlock) {
	if f.done || f.tracker == nil || block.Header.Height != f.height {
		return
	}
	f.logger.Info("macro block committed by peers",
		zap.Uint32("height", f.height),
		zap.Uint32("round", f.round),
		zap.Stringer("hash", block.Hash()))
	f.finish()
}

func (f *Finality) finish() {
	f.done = true
	f.active = false
	f.waiting = nil
	f.pacemaker.OnCommit(f.height)
}

// OnTimeout handles a fired timeout. Timeouts of other heights, rounds or
// steps are stale and ignored.
func (f *Finality) OnTimeout(t timer.Timeout) {
	if !f.active || f.done || t.Height != f.height || t.Round != f.round || Step(t.Step) != f.step {
		return
	}
	switch f.step {
	case StepPropose:
		f.logger.Debug("propose timeout, prevoting nil", zap.Uint32("height", f.height), zap.Uint32("round", f.round))
		f.castVote(StepPrevote, Hash{})
	case StepPrevote:
		f.logger.Debug("prevote timeout, precommitting nil", zap.Uint32("height", f.height), zap.Uint32("round", f.round))
		f.castVote(StepPrecommit, Hash{})
	case StepPrecommit:
		f.moveTo(f.round+1, ErrRoundTimeout.Error())
	}
}

// moveTo abandons the current round for r > round.
func (f *Finality) moveTo(r uint32, reason string) {
	old := f.round
	f.pacemaker.OnViewChange(f.height, old)
	f.tracker.DiscardBelow(r)
	for round := range f.proposals {
		if round < r {
			delete(f.proposals, round)
		}
	}
	for round := range f.invalid {
		if round < r {
			delete(f.invalid, round)
		}
	}

	f.logger.Info("view change",
		zap.Uint32("height", f.height),
		zap.Uint32("old_round", old),
		zap.Uint32("new_round", r),
		zap.String("reason", reason))
	f.host.viewChange(f.height, old, r)
	f.enterRound(r)
}
