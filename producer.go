package albatross

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/albatross/internal/crypto"
)

// ProducerState is the phase of the current slot as seen by the producer.
type ProducerState int32

const (
	ProducerIdle ProducerState = iota
	ProducerAwaitingSlot
	ProducerProducing
	ProducerObserving
	ProducerProduced
	ProducerAccepted
	ProducerRejected
)

// String returns the string representation of the producer state.
func (s ProducerState) String() string {
	switch s {
	case ProducerIdle:
		return "idle"
	case ProducerAwaitingSlot:
		return "awaiting_slot"
	case ProducerProducing:
		return "producing"
	case ProducerObserving:
		return "observing"
	case ProducerProduced:
		return "produced"
	case ProducerAccepted:
		return "accepted"
	case ProducerRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Producer builds micro blocks for slots the local validator leads and
// validates micro blocks produced by others. It also builds and validates
// macro block proposals. It holds no chain state: the
// caller passes the parent and the epoch in. Produce and Validate are safe
// to call from worker goroutines.
type Producer struct {
	policy       Policy
	slotDuration time.Duration
	maxBodySize  int
	maxDrift     time.Duration
	signer       *SafeSigner
	mempool      Mempool
	state        StateStore
	elector      Elector
	logger       *zap.Logger

	mu    sync.Mutex
	slot  Slot
	begun bool
	phase ProducerState
}

// NewProducer creates a Producer from cfg. signer may be nil for a node
// that only validates.
func NewProducer(cfg *Config, signer *SafeSigner) *Producer {
	return &Producer{
		policy:       cfg.Policy,
		slotDuration: cfg.SlotDuration,
		maxBodySize:  cfg.MaxBodySize,
		maxDrift:     cfg.MaxClockDrift,
		signer:       signer,
		mempool:      cfg.Mempool,
		state:        cfg.StateStore,
		elector:      cfg.Elector,
		logger:       cfg.Logger.Named("producer"),
	}
}

// State returns the phase of the slot last begun, or ProducerIdle once
// that slot has ended.
func (p *Producer) State() ProducerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Slot returns the slot last begun and whether it is still current.
func (p *Producer) Slot() (Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slot, p.begun
}

// EndSlot returns the producer to ProducerIdle once the clock has moved
// past the current slot. It is a no-op while slot is still current.
func (p *Producer) EndSlot(slot Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.begun && p.slot != slot {
		p.begun = false
		p.phase = ProducerIdle
	}
}

// settle moves the current slot from its waiting phase to a result. Work for
// any other slot leaves the phase alone.
func (p *Producer) settle(slot Slot, from, to ProducerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.begun && p.slot == slot && p.phase == from {
		p.phase = to
	}
}

// SlotAt returns the slot of epoch that contains t. Times before the
// epoch's start map to slot 0.
func (p *Producer) SlotAt(epoch *Epoch, t time.Time) Slot {
	return Slot{Epoch: epoch.Number, Index: slotIndex(epoch.StartTime, millis(t), p.slotDuration)}
}

// SlotStart returns when slot index of epoch begins.
func (p *Producer) SlotStart(epoch *Epoch, index uint32) time.Time {
	return time.UnixMilli(int64(epoch.StartTime)).Add(time.Duration(index) * p.slotDuration)
}

func slotIndex(start, at uint64, slot time.Duration) uint32 {
	if at <= start {
		return 0
	}
	return uint32((at - start) / uint64(slot.Milliseconds()))
}

// BeginSlot records that slot has started and reports whether the local
// validator leads it. Calling it again for the current slot keeps the phase.
func (p *Producer) BeginSlot(epoch *Epoch, slot Slot) bool {
	lead := p.leads(epoch, slot)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.begun && p.slot == slot {
		return lead
	}
	p.slot, p.begun = slot, true
	if lead {
		p.phase = ProducerProducing
	} else {
		p.phase = ProducerObserving
	}
	return lead
}

func (p *Producer) leads(epoch *Epoch, slot Slot) bool {
	if p.signer == nil {
		return false
	}
	idx, ok := epoch.Validators.IndexOf(p.signer.Address())
	return ok && SelectLeader(epoch.Seed, epoch.Validators, slot) == idx
}

// Produce builds and signs the micro block for slot on top of parent.
// Any failure abandons only this slot.
func (p *Producer) Produce(ctx context.Context, parent Block, epoch *Epoch, slot Slot, now time.Time) (*MicroBlock, error) {
	block, err := p.produce(ctx, parent, epoch, slot, now)
	if err != nil {
		p.settle(slot, ProducerProducing, ProducerIdle)
		p.logger.Warn("slot abandoned",
			zap.Uint32("epoch", slot.Epoch),
			zap.Uint32("slot", slot.Index),
			zap.Error(err))
		return nil, err
	}
	p.settle(slot, ProducerProducing, ProducerProduced)
	p.logger.Debug("produced micro block",
		zap.Uint32("height", block.Header.Height),
		zap.Uint32("slot", slot.Index),
		zap.Int("txs", len(block.Body)),
		zap.Stringer("hash", block.Hash()))
	return block, nil
}

func (p *Producer) produce(ctx context.Context, parent Block, epoch *Epoch, slot Slot, now time.Time) (*MicroBlock, error) {
	if p.signer == nil {
		return nil, ErrNotLeader
	}
	height := parent.Height() + 1
	if p.policy.IsMacroHeight(height) {
		return nil, fmt.Errorf("height %d is a macro height", height)
	}
	if p.policy.EpochAt(height) != epoch.Number || slot.Epoch != epoch.Number {
		return nil, fmt.Errorf("height %d is not in epoch %d", height, epoch.Number)
	}
	idx, ok := epoch.Validators.IndexOf(p.signer.Address())
	if !ok || SelectLeader(epoch.Seed, epoch.Validators, slot) != idx {
		return nil, ErrNotLeader
	}

	txs, err := p.mempool.TakeTransactions(ctx, p.maxBodySize)
	if err != nil {
		return nil, fmt.Errorf("take transactions: %w", err)
	}
	txs = trimBody(txs, p.maxBodySize)

	root, err := p.state.Apply(ctx, parent.StateRoot(), txs)
	if err != nil {
		return nil, fmt.Errorf("apply body: %w", classifyStateError(err))
	}

	seed, proof, err := p.signer.ProveSeed(parent.Seed(), slot)
	if err != nil {
		return nil, fmt.Errorf("prove seed: %w", err)
	}

	ts := millis(now)
	if start := epoch.StartTime + uint64(slot.Index)*uint64(p.slotDuration.Milliseconds()); ts < start {
		ts = start
	}
	if ts < parent.Timestamp() {
		ts = parent.Timestamp()
	}

	block := &MicroBlock{
		Header: MicroHeader{
			Height:     height,
			Epoch:      epoch.Number,
			Slot:       slot.Index,
			ParentHash: parent.Hash(),
			StateRoot:  root,
			BodyRoot:   BodyRoot(txs),
			Timestamp:  ts,
			Producer:   idx,
			Seed:       seed,
			SeedProof:  proof,
		},
		Body: txs,
	}
	sig, err := p.signer.SignMicro(&block.Header)
	if err != nil {
		return nil, err
	}
	block.Signature = sig
	return block, nil
}

// trimBody keeps the longest prefix of txs within maxBytes.
func trimBody(txs []Transaction, maxBytes int) []Transaction {
	size := 0
	for i, tx := range txs {
		size += len(tx)
		if size > maxBytes {
			return txs[:i]
		}
	}
	return txs
}

// Validate checks a micro block against its parent and epoch. Checks run in
// order: structure, progression and timestamp, leader and seed proof,
// producer signature, and state replay. The first failure is returned.
//
// Only a block for the slot being observed settles the producer's phase;
// late blocks, fork siblings and replayed orphans do not.
func (p *Producer) Validate(ctx context.Context, b *MicroBlock, parent Block, epoch *Epoch, now time.Time) error {
	err := p.validate(ctx, b, parent, epoch, now)
	if err != nil {
		p.settle(b.Header.SlotRef(), ProducerObserving, ProducerRejected)
		return err
	}
	p.settle(b.Header.SlotRef(), ProducerObserving, ProducerAccepted)
	return nil
}

func (p *Producer) validate(ctx context.Context, b *MicroBlock, parent Block, epoch *Epoch, now time.Time) error {
	h := &b.Header

	// Structure.
	if len(b.Signature) != crypto.Ed25519SignatureSize {
		return wrapMalformed("micro block signature of %d bytes", len(b.Signature))
	}
	if len(h.SeedProof) != crypto.BLSSignatureSize {
		return wrapMalformed("micro block seed proof of %d bytes", len(h.SeedProof))
	}
	if size := BodySize(b.Body); size > p.maxBodySize {
		return wrapMalformed("micro body of %d bytes exceeds %d", size, p.maxBodySize)
	}
	if BodyRoot(b.Body) != h.BodyRoot {
		return wrapMalformed("micro body root mismatch")
	}

	// Progression.
	if h.ParentHash != parent.Hash() {
		return wrapf(ErrInvalidBlock, "parent %s, expected %s", h.ParentHash.Short(), parent.Hash().Short())
	}
	if h.Height != parent.Height()+1 {
		return wrapf(ErrInvalidBlock, "height %d on parent at %d", h.Height, parent.Height())
	}
	if p.policy.IsMacroHeight(h.Height) {
		return wrapf(ErrInvalidBlock, "micro block at macro height %d", h.Height)
	}
	if h.Epoch != p.policy.EpochAt(h.Height) || h.Epoch != epoch.Number {
		return wrapf(ErrInvalidBlock, "epoch %d at height %d", h.Epoch, h.Height)
	}
	if pm, ok := parent.(*MicroBlock); ok && pm.Header.Epoch == h.Epoch && h.Slot <= pm.Header.Slot {
		return wrapf(ErrInvalidBlock, "slot %d does not follow parent slot %d", h.Slot, pm.Header.Slot)
	}
	if h.Timestamp < parent.Timestamp() {
		return wrapf(ErrInvalidBlock, "timestamp %d before parent %d", h.Timestamp, parent.Timestamp())
	}
	if limit := millis(now.Add(p.maxDrift)); h.Timestamp > limit {
		return wrapf(ErrInvalidBlock, "timestamp %d ahead of local clock", h.Timestamp)
	}
	if got := slotIndex(epoch.StartTime, h.Timestamp, p.slotDuration); h.Timestamp < epoch.StartTime || got != h.Slot {
		return wrapf(ErrInvalidBlock, "timestamp %d falls in slot %d, header claims %d", h.Timestamp, got, h.Slot)
	}

	// Leader and seed.
	seed, err := VerifyLeader(epoch.Seed, epoch.Validators, h.SlotRef(), h.Producer, parent.Seed(), h.SeedProof)
	if err != nil {
		return err
	}
	if seed != h.Seed {
		return wrapf(ErrInvalidLeader, "seed does not match proof")
	}

	// Signature.
	hash := h.Hash()
	if !epoch.Validators.ProducerKey(h.Producer).Verify(hash[:], b.Signature) {
		return wrapf(ErrInvalidSignature, "micro block %d by producer %d", h.Height, h.Producer)
	}

	// State.
	return p.replay(ctx, parent.StateRoot(), b.Body, h.StateRoot)
}

// replay applies txs to parentRoot and compares the result with claimed.
func (p *Producer) replay(ctx context.Context, parentRoot Hash, txs []Transaction, claimed Hash) error {
	root, err := p.state.Apply(ctx, parentRoot, txs)
	if err != nil {
		return classifyStateError(err)
	}
	if root != claimed {
		return wrapf(ErrStateMismatch, "replayed %s, claimed %s", root.Short(), claimed.Short())
	}
	return nil
}

// classifyStateError keeps invalid transitions as block rejections and
// turns every other store error into ErrStateUnavailable.
func classifyStateError(err error) error {
	if errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStateUnavailable, err)
}
