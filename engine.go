package albatross

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgedlt/albatross/timer"
)

// Channel capacities between the engine goroutines.
const (
	inboxSize   = 256
	resultsSize = 256
	outboxSize  = 256
)

// job runs on a worker goroutine. It reports back by posting a closure to
// the main loop.
type job func(ctx context.Context)

// Engine runs Albatross consensus for one node.
//
// A single main loop owns all consensus state: the fork set, the registry
// transitions and the finality machine. Signature verification, state
// replay and block production run on a bounded worker pool and hand their
// results back to the loop as closures, so every state change happens on
// one goroutine. Around the loop run an ingest goroutine that decodes
// inbound messages, a slot clock and an outbox that owns Transport.Broadcast.
//
// The engine stops on context cancellation, on Stop, or with an error when
// two macro blocks are committed at one height or the state store fails
// more than MaxStateFailures times in a row.
type Engine struct {
	cfg    *Config
	logger *zap.Logger
	hooks  Hooks

	signer     *SafeSigner
	registry   *Registry
	forks      *ForkChoice
	producer   *Producer
	aggregator *Aggregator
	pacemaker  *Pacemaker
	finality   *Finality
	pool       *EvidencePool
	metrics    *metrics

	state atomic.Pointer[ChainState]

	inbox   chan received
	results chan func()
	jobs    chan job
	outbox  chan []byte
	ticks   chan struct{}

	// Owned by the main loop.
	queue         []job
	validating    map[Hash]struct{}
	lastSlot      Slot
	producedAny   bool
	stateFailures int
	committed     map[uint32]Hash
	fatal         error

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

var _ finalityHost = (*Engine)(nil)

// NewEngine creates an engine from cfg. Build cfg with NewConfig.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, wrapConfig("config is required")
	}
	logger := cfg.Logger

	var signer *SafeSigner
	if cfg.Keystore != nil {
		signer = NewSafeSigner(cfg.Keystore, logger.Named("signer"))
	}

	registry, err := NewRegistry(cfg.Policy, cfg.Genesis, cfg.KeepEpochs, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}
	forks, err := NewForkChoice(cfg.Genesis, cfg.OrphanCacheSize, logger.Named("forkchoice"))
	if err != nil {
		return nil, fmt.Errorf("create fork choice: %w", err)
	}
	aggregator, err := NewAggregator(DefaultAggregateCacheSize, logger.Named("aggregator"))
	if err != nil {
		return nil, fmt.Errorf("create aggregator: %w", err)
	}
	pool, err := NewEvidencePool(DefaultEvidenceCacheSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		hooks:      cfg.Hooks,
		signer:     signer,
		registry:   registry,
		forks:      forks,
		producer:   NewProducer(cfg, signer),
		aggregator: aggregator,
		pacemaker:  NewPacemakerWithConfig(cfg.Timers, logger.Named("pacemaker"), cfg.Pacemaker),
		pool:       pool,
		metrics:    newMetrics(cfg.Registerer),
		inbox:      make(chan received, inboxSize),
		results:    make(chan func(), resultsSize),
		jobs:       make(chan job),
		outbox:     make(chan []byte, outboxSize),
		ticks:      make(chan struct{}, 1),
		validating: make(map[Hash]struct{}),
		committed:  map[uint32]Hash{0: cfg.Genesis.Hash()},
		done:       make(chan struct{}),
	}
	e.finality = NewFinality(signer, aggregator, e.pacemaker, e, logger.Named("finality"))

	epoch := registry.Current()
	e.finality.Reset(epoch, cfg.Policy.MacroHeight(epoch.Number))
	e.refresh()
	return e, nil
}

// Start launches the engine goroutines and returns immediately. The engine
// runs until ctx is canceled, Stop is called or a fatal error occurs.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)

	self := "observer"
	if e.signer != nil {
		self = e.signer.Address().String()
	}
	e.logger.Info("starting albatross engine",
		zap.String("validator", self),
		zap.Stringer("policy", e.cfg.Policy),
		zap.Duration("slot", e.cfg.SlotDuration),
		zap.Int("workers", e.cfg.Workers))

	g.Go(func() error { return e.run(gctx) })
	g.Go(func() error { return e.ingest(gctx) })
	g.Go(func() error { return e.slotClock(gctx) })
	g.Go(func() error { return e.broadcaster(gctx) })
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error { return e.worker(gctx) })
	}

	go func() {
		err := g.Wait()
		e.pacemaker.Stop()
		e.cfg.Timers.Stop()
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		if err != nil {
			e.logger.Error("engine stopped", zap.Error(err))
		} else {
			e.logger.Info("engine stopped")
		}
		close(e.done)
	}()
	return nil
}

// Stop cancels the engine and waits for its goroutines to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-e.done
}

// Done is closed when the engine has stopped.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the error the engine stopped with, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// State returns the latest chain snapshot.
func (e *Engine) State() *ChainState { return e.state.Load() }

// Head returns the fork choice head.
func (e *Engine) Head() Block { return e.forks.Head() }

// Finalized returns the last committed macro block.
func (e *Engine) Finalized() *MacroBlock { return e.forks.Finalized() }

// Block returns a block of the unfinalized fork set, root included.
func (e *Engine) Block(hash Hash) (Block, bool) { return e.forks.Get(hash) }

// Epoch returns the active epoch.
func (e *Engine) Epoch() *Epoch { return e.registry.Current() }

// DrainEvidence returns the equivocation evidence collected since the last
// call.
func (e *Engine) DrainEvidence() []Evidence { return e.pool.Drain() }

// run is the main loop. It is the only goroutine that mutates consensus
// state.
func (e *Engine) run(ctx context.Context) error {
	e.checkMacroStart()
	e.refresh()

	for {
		// Drain verified results before taking new input, so quorums
		// are counted before a timeout for the same round fires.
		drained := false
		for !drained {
			select {
			case fn := <-e.results:
				fn()
			default:
				drained = true
			}
		}
		if e.fatal != nil {
			return e.fatal
		}

		var jobs chan job
		var next job
		if len(e.queue) > 0 {
			jobs, next = e.jobs, e.queue[0]
		}

		select {
		case <-ctx.Done():
			return nil
		case fn := <-e.results:
			fn()
		case r := <-e.inbox:
			e.onMessage(r.msg, r.at)
		case t := <-e.cfg.Timers.C():
			e.onTimeout(t)
		case <-e.ticks:
			e.onSlot()
		case jobs <- next:
			e.queue[0] = nil
			e.queue = e.queue[1:]
		}

		if e.fatal != nil {
			return e.fatal
		}
		e.refresh()
	}
}

// submit queues fn for the worker pool. Main loop only.
func (e *Engine) submit(fn job) {
	e.queue = append(e.queue, fn)
}

// post hands a result back to the main loop.
func (e *Engine) post(ctx context.Context, fn func()) {
	select {
	case e.results <- fn:
	case <-ctx.Done():
	}
}

func (e *Engine) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-e.jobs:
			fn(ctx)
		}
	}
}

// ingest decodes inbound envelopes. Undecodable payloads are dropped here
// and never reach the main loop.
func (e *Engine) ingest(ctx context.Context) error {
	in := e.cfg.Transport.Receive()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-in:
			if !ok {
				e.logger.Info("transport closed")
				return nil
			}
			at := e.cfg.Clock.Now()
			m, err := Decode(env.Payload)
			if err != nil {
				e.logger.Debug("dropped undecodable message",
					zap.String("from", env.From),
					zap.Int("size", len(env.Payload)),
					zap.Error(err))
				continue
			}
			select {
			case e.inbox <- received{msg: m, at: at}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// broadcaster owns Transport.Broadcast so a slow network never blocks the
// main loop.
func (e *Engine) broadcaster(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-e.outbox:
			if err := e.cfg.Transport.Broadcast(ctx, payload); err != nil && ctx.Err() == nil {
				e.logger.Warn("broadcast failed", zap.Error(err))
			}
		}
	}
}

// slotClock wakes the main loop at every slot boundary of the active epoch.
func (e *Engine) slotClock(ctx context.Context) error {
	e.tick()
	for {
		epoch := e.registry.Current()
		now := e.cfg.Clock.Now()
		slot := e.producer.SlotAt(epoch, now)
		wait := e.producer.SlotStart(epoch, slot.Index+1).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		e.tick()
	}
}

func (e *Engine) tick() {
	select {
	case e.ticks <- struct{}{}:
	default:
	}
}

// broadcast implements finalityHost and is used for locally produced
// blocks. The encoded message is handed to the outbox; when it is full the
// message is dropped and gossip or a later round recovers.
func (e *Engine) broadcast(m Message) {
	data, err := Encode(m)
	if err != nil {
		e.logger.Error("failed to encode message", zap.Stringer("kind", m.Kind()), zap.Error(err))
		return
	}
	select {
	case e.outbox <- data:
	default:
		e.logger.Warn("outbox full, dropping message", zap.Stringer("kind", m.Kind()))
	}
}

// received is a decoded message stamped with its arrival time.
type received struct {
	msg Message
	at  time.Time
}

func (e *Engine) onMessage(m Message, at time.Time) {
	switch msg := m.(type) {
	case *MicroBlockMessage:
		e.onMicro(msg.Block, at)
	case *MacroBlockMessage:
		e.onMacro(msg.Block)
	case *VoteMessage:
		e.onVote(msg.Vote)
	case *ProposalMessage:
		if err := e.finality.OnProposal(msg); err != nil {
			e.logger.Debug("dropped proposal",
				zap.Uint32("height", msg.Header.Height),
				zap.Uint32("round", msg.Round),
				zap.Error(err))
		}
	default:
		e.logger.Debug("ignoring message", zap.Stringer("kind", m.Kind()))
	}
}

func (e *Engine) onTimeout(t timer.Timeout) {
	e.logger.Debug("timeout fired",
		zap.Uint32("height", t.Height),
		zap.Uint32("round", t.Round),
		zap.Stringer("step", Step(t.Step)))
	e.finality.OnTimeout(t)
}

// onSlot runs at each slot boundary and starts production when the local
// validator leads the slot.
func (e *Engine) onSlot() {
	epoch := e.registry.Current()
	now := e.cfg.Clock.Now()
	slot := e.producer.SlotAt(epoch, now)
	e.producer.EndSlot(slot)
	if e.producedAny && slot == e.lastSlot {
		return
	}

	head := e.forks.Head()
	next := head.Height() + 1
	if e.cfg.Policy.IsMacroHeight(next) || e.cfg.Policy.EpochAt(next) != epoch.Number {
		return
	}
	if mb, ok := head.(*MicroBlock); ok && mb.Header.Epoch == slot.Epoch && mb.Header.Slot >= slot.Index {
		return
	}
	if !e.producer.BeginSlot(epoch, slot) {
		return
	}
	e.lastSlot, e.producedAny = slot, true

	e.submit(func(ctx context.Context) {
		start := time.Now()
		b, err := e.producer.Produce(ctx, head, epoch, slot, now)
		e.metrics.validationSeconds.WithLabelValues("produce").Observe(time.Since(start).Seconds())
		e.post(ctx, func() { e.onProduced(slot, b, err) })
	})
}

func (e *Engine) onProduced(slot Slot, b *MicroBlock, err error) {
	if err != nil {
		if errors.Is(err, ErrStateUnavailable) {
			e.noteStateFailure(err)
		}
		e.logger.Warn("slot abandoned",
			zap.Uint32("epoch", slot.Epoch),
			zap.Uint32("slot", slot.Index),
			zap.Error(err))
		return
	}
	e.stateFailures = 0
	if _, err := e.forks.Insert(b, e.cfg.Clock.Now()); err != nil {
		// The head moved while producing; the block may still be valid
		// for peers, but locally it lost its parent to finality.
		e.logger.Warn("own block not inserted", zap.Stringer("block", b), zap.Error(err))
		return
	}
	e.metrics.blocksProduced.WithLabelValues("micro").Inc()
	e.broadcast(&MicroBlockMessage{Block: b})
	if e.hooks.OnBlock != nil {
		e.hooks.OnBlock(b)
	}
	e.checkMacroStart()
}

// onMicro admits a gossiped micro block observed at observedAt: known and
// finalized blocks are ignored, orphans parked, the rest validated on a
// worker. Fork choice ranks the block by observedAt, not by when its
// validation finishes.
func (e *Engine) onMicro(b *MicroBlock, observedAt time.Time) {
	hash := b.Hash()
	if e.forks.Contains(hash) {
		return
	}
	if _, busy := e.validating[hash]; busy {
		return
	}
	if b.Header.Height <= e.forks.Finalized().Header.Height {
		e.logger.Debug("dropped micro block below finality", zap.Stringer("block", b))
		return
	}
	parent, ok := e.forks.Get(b.Header.ParentHash)
	if !ok {
		e.forks.AddOrphan(b, observedAt)
		e.logger.Debug("parked orphan micro block", zap.Stringer("block", b))
		return
	}
	epoch, ok := e.registry.Epoch(e.cfg.Policy.EpochAt(b.Header.Height))
	if !ok {
		e.reject(hash, wrapf(ErrInvalidBlock, "block %d in unknown epoch", b.Header.Height))
		return
	}

	e.validating[hash] = struct{}{}
	e.submit(func(ctx context.Context) {
		start := time.Now()
		err := e.producer.Validate(ctx, b, parent, epoch, e.cfg.Clock.Now())
		e.metrics.validationSeconds.WithLabelValues("micro").Observe(time.Since(start).Seconds())
		e.post(ctx, func() { e.onMicroValidated(b, observedAt, err) })
	})
}

func (e *Engine) onMicroValidated(b *MicroBlock, observedAt time.Time, err error) {
	hash := b.Hash()
	delete(e.validating, hash)
	if err != nil {
		e.reject(hash, err)
		return
	}
	e.stateFailures = 0

	proof, err := e.forks.Insert(b, observedAt)
	if proof != nil {
		e.addEvidence(proof)
	}
	if err != nil {
		if errors.Is(err, ErrEquivocation) {
			e.reject(hash, err)
		} else {
			// Finality moved past the block while it was validated.
			e.logger.Debug("validated block not inserted", zap.Stringer("block", b), zap.Error(err))
		}
		return
	}

	e.metrics.blocksAccepted.Inc()
	e.logger.Debug("micro block accepted",
		zap.Uint32("height", b.Header.Height),
		zap.Uint32("slot", b.Header.Slot),
		zap.Uint16("producer", b.Header.Producer),
		zap.Stringer("hash", hash))
	if e.hooks.OnBlock != nil {
		e.hooks.OnBlock(b)
	}

	e.forks.TakeOrphans(hash, e.onMicro)
	e.checkMacroStart()
}

// reject records a block that failed validation.
func (e *Engine) reject(hash Hash, err error) {
	reason := rejectReason(err)
	e.metrics.blocksRejected.WithLabelValues(reason).Inc()
	if errors.Is(err, ErrStateUnavailable) {
		e.noteStateFailure(err)
	}
	if errors.Is(err, ErrByzantine) {
		e.logger.Warn("block rejected", zap.Stringer("hash", hash), zap.String("reason", reason), zap.Error(err))
	} else {
		e.logger.Debug("block rejected", zap.Stringer("hash", hash), zap.String("reason", reason), zap.Error(err))
	}
	if e.hooks.OnRejected != nil {
		e.hooks.OnRejected(hash, err)
	}
}

// noteStateFailure counts consecutive state store failures and stops the
// engine once MaxStateFailures is exceeded.
func (e *Engine) noteStateFailure(err error) {
	e.stateFailures++
	e.metrics.stateFailures.Inc()
	if e.stateFailures > e.cfg.MaxStateFailures {
		e.fail(fmt.Errorf("%d consecutive state store failures: %w", e.stateFailures, err))
	}
}

func (e *Engine) fail(err error) {
	if e.fatal == nil {
		e.fatal = err
	}
}

// checkMacroStart starts the finality rounds once the last micro block of
// the epoch is the head.
func (e *Engine) checkMacroStart() {
	f := e.finality
	if f.Active() || f.Committed() {
		return
	}
	if e.forks.Head().Height()+1 == f.Height() {
		f.Start()
	}
}

func (e *Engine) onVote(v *Vote) {
	f := e.finality
	if v.Height != f.Height() || f.Committed() {
		return
	}
	set := f.Epoch().Validators
	e.submit(func(ctx context.Context) {
		err := v.Verify(set)
		e.post(ctx, func() {
			if err != nil {
				e.logger.Debug("dropped vote", zap.Stringer("vote", v), zap.Error(err))
				return
			}
			if err := e.finality.OnVote(v); err != nil {
				e.logger.Debug("vote not counted", zap.Stringer("vote", v), zap.Error(err))
			}
		})
	})
}

// onMacro handles a justified macro block from a peer. It lets a node that
// missed the rounds catch up, and exposes conflicting commits.
func (e *Engine) onMacro(b *MacroBlock) {
	height := b.Header.Height
	if !e.cfg.Policy.IsMacroHeight(height) || height == 0 || b.Justification == nil {
		e.logger.Debug("dropped macro block without justification", zap.Uint32("height", height))
		return
	}
	hash := b.Hash()
	if prev, ok := e.committed[height]; ok && prev == hash {
		return
	}
	epoch, ok := e.registry.Epoch(e.cfg.Policy.EpochAt(height))
	if !ok {
		e.logger.Debug("dropped macro block for unknown epoch", zap.Uint32("height", height))
		return
	}

	e.submit(func(ctx context.Context) {
		start := time.Now()
		err := e.verifyMacro(b, epoch)
		e.metrics.validationSeconds.WithLabelValues("macro").Observe(time.Since(start).Seconds())
		e.post(ctx, func() {
			if err != nil {
				e.reject(hash, err)
				return
			}
			e.finalize(b, true)
		})
	})
}

// verifyMacro checks a macro block's header linkage to epoch and its
// aggregated precommit justification.
func (e *Engine) verifyMacro(b *MacroBlock, epoch *Epoch) error {
	h := &b.Header
	if h.Epoch != epoch.Number || h.PrevMacroHash != epoch.MacroHash {
		return wrapf(ErrInvalidBlock, "macro %d does not close epoch %d", h.Height, epoch.Number)
	}
	if _, err := NewValidatorSet(h.NextValidators); err != nil {
		return wrapf(ErrInvalidBlock, "next validators: %v", err)
	}
	if !epoch.Validators.Contains(h.Proposer) {
		return wrapf(ErrInvalidLeader, "proposer %d out of range", h.Proposer)
	}
	// The seed and state root are covered by the precommit quorum, which
	// is all a node without the parent can check.
	msg := PrecommitSignBytes(h.Height, b.Justification.Round, b.Hash())
	return e.aggregator.VerifyQuorum(b.Justification.Aggregate, msg, epoch.Validators)
}

// finalize commits b locally: the fork set is re-rooted, the next epoch
// opened and finality reset for it. external marks blocks learned from a
// peer rather than committed by the local rounds.
func (e *Engine) finalize(b *MacroBlock, external bool) {
	hash := b.Hash()
	height := b.Header.Height
	if prev, ok := e.committed[height]; ok {
		if prev != hash {
			e.safetyViolation(wrapf(ErrSafetyViolation, "macro %s and %s both committed at height %d",
				prev.Short(), hash.Short(), height))
		}
		return
	}
	if height != e.finality.Height() {
		// A justified block for a later epoch cannot be checked against an
		// unknown validator set, and earlier ones are settled.
		e.logger.Debug("ignored macro block out of order",
			zap.Uint32("height", height),
			zap.Uint32("deciding", e.finality.Height()))
		return
	}

	pruned, err := e.forks.Finalize(b)
	if err != nil {
		if errors.Is(err, ErrSafetyViolation) {
			e.safetyViolation(err)
		} else {
			e.fail(err)
		}
		return
	}
	if external {
		e.finality.OnExternalCommit(b)
	}
	next, err := e.registry.Transition(b)
	if err != nil {
		e.fail(err)
		return
	}

	e.committed[height] = hash
	for h := range e.committed {
		if h+uint32(e.cfg.KeepEpochs)*e.cfg.Policy.BlocksPerEpoch < height {
			delete(e.committed, h)
		}
	}

	e.metrics.commits.Inc()
	e.logger.Info("epoch finalized",
		zap.Uint32("height", height),
		zap.Uint32("epoch", b.Header.Epoch),
		zap.Bool("external", external),
		zap.Int("pruned", pruned),
		zap.Stringer("hash", hash))
	if e.hooks.OnCommit != nil {
		e.hooks.OnCommit(b)
	}

	e.finality.Reset(next, e.cfg.Policy.MacroHeight(next.Number))
	e.forks.TakeOrphans(hash, e.onMicro)
	e.checkMacroStart()
	e.tick()
}

func (e *Engine) safetyViolation(err error) {
	e.logger.Error("SAFETY VIOLATION: conflicting macro blocks committed", zap.Error(err))
	if e.signer != nil {
		e.signer.Halt(err)
	}
	if e.hooks.OnSafetyViolation != nil {
		e.hooks.OnSafetyViolation(err)
	}
	e.fail(err)
}

func (e *Engine) addEvidence(ev Evidence) {
	if !e.pool.Add(ev) {
		return
	}
	kind := "fork_proof"
	if _, ok := ev.(*DoubleVoteEvidence); ok {
		kind = "double_vote"
	}
	e.metrics.evidence.WithLabelValues(kind).Inc()
	e.logger.Warn("equivocation evidence",
		zap.String("kind", kind),
		zap.Uint16("offender", ev.Offender()),
		zap.Uint32("height", ev.Height()))
	if e.hooks.OnEvidence != nil {
		e.hooks.OnEvidence(ev)
	}
}

// buildProposal implements finalityHost.
func (e *Engine) buildProposal(height, round uint32) {
	parent := e.forks.Head()
	epoch := e.finality.Epoch()
	now := e.cfg.Clock.Now()
	e.submit(func(ctx context.Context) {
		header, err := e.producer.BuildMacro(ctx, parent, epoch, now)
		e.post(ctx, func() {
			if err == nil {
				e.metrics.blocksProduced.WithLabelValues("macro").Inc()
			} else if errors.Is(err, ErrStateUnavailable) {
				e.noteStateFailure(err)
			}
			e.finality.OnProposalBuilt(round, header, err)
		})
	})
}

// validateProposal implements finalityHost. Authenticity is settled
// before anything else so a forged proposal never affects the round.
func (e *Engine) validateProposal(p *ProposalMessage) {
	epoch := e.finality.Epoch()
	parent, known := e.forks.Get(p.Header.ParentHash)
	now := e.cfg.Clock.Now()
	e.submit(func(ctx context.Context) {
		if err := AuthenticateProposal(p, epoch); err != nil {
			e.post(ctx, func() { e.finality.OnProposalValidated(p, false, err) })
			return
		}
		if !known {
			err := wrapf(ErrUnknownParent, "proposal parent %s", p.Header.ParentHash.Short())
			e.post(ctx, func() { e.finality.OnProposalValidated(p, true, err) })
			return
		}
		start := time.Now()
		err := e.producer.ValidateProposal(ctx, p, parent, epoch, now)
		e.metrics.validationSeconds.WithLabelValues("proposal").Observe(time.Since(start).Seconds())
		e.post(ctx, func() {
			if errors.Is(err, ErrStateUnavailable) {
				e.noteStateFailure(err)
			}
			e.finality.OnProposalValidated(p, true, err)
		})
	})
}

// commit implements finalityHost.
func (e *Engine) commit(b *MacroBlock) {
	e.finalize(b, false)
}

// evidence implements finalityHost.
func (e *Engine) evidence(ev Evidence) {
	e.addEvidence(ev)
}

// viewChange implements finalityHost.
func (e *Engine) viewChange(height, oldRound, newRound uint32) {
	e.metrics.viewChanges.Inc()
	if e.hooks.OnViewChange != nil {
		e.hooks.OnViewChange(height, oldRound, newRound)
	}
}

// refresh publishes a new ChainState snapshot and updates the gauges.
func (e *Engine) refresh() {
	head := e.forks.Head()
	fin := e.forks.Finalized()
	epoch := e.registry.Current()
	locked, _ := e.finality.Locked()

	s := &ChainState{
		HeadHash:        head.Hash(),
		HeadHeight:      head.Height(),
		FinalizedHash:   fin.Hash(),
		FinalizedHeight: fin.Header.Height,
		Epoch:           epoch.Number,
		Validators:      epoch.Validators,
		MacroHeight:     e.finality.Height(),
		Round:           e.finality.Round(),
		Step:            e.finality.Step(),
		FinalityActive:  e.finality.Active(),
		LockedRound:     locked,
		Producer:        e.producer.State(),
		ForkTips:        e.forks.TipCount(),
		Orphans:         e.forks.OrphanCount(),
		PendingEvidence: e.pool.Len(),
		Halted:          e.signer != nil && e.signer.Halted(),
	}
	e.state.Store(s)

	e.metrics.headHeight.Set(float64(s.HeadHeight))
	e.metrics.finalizedHeight.Set(float64(s.FinalizedHeight))
	e.metrics.epoch.Set(float64(s.Epoch))
	e.metrics.round.Set(float64(s.Round))
	e.metrics.forkTips.Set(float64(s.ForkTips))
}
