package albatross

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultKeepEpochs is how many epochs the registry retains.
const DefaultKeepEpochs = 2

// Epoch is the immutable snapshot a span of blocks is produced under.
type Epoch struct {
	Number     uint32
	Validators *ValidatorSet
	// Seed drives leader selection; it is the seed of MacroHash's block.
	Seed Seed
	// StartHeight is the height of the macro block that opened the epoch.
	StartHeight uint32
	// StartTime is that block's timestamp in milliseconds. Slots count from it.
	StartTime uint64
	MacroHash Hash
}

// Registry holds the validator set and seed of recent epochs. Transition is
// called by the single writer; Current is a lock-free snapshot read.
type Registry struct {
	mu      sync.RWMutex
	policy  Policy
	epochs  map[uint32]*Epoch
	current atomic.Pointer[Epoch]
	keep    int
	logger  *zap.Logger
}

// NewRegistry starts the registry at epoch 0 from the genesis block.
func NewRegistry(policy Policy, genesis *MacroBlock, keep int, logger *zap.Logger) (*Registry, error) {
	if genesis.Header.Height != 0 {
		return nil, wrapConfigf("genesis height is %d", genesis.Header.Height)
	}
	set, err := NewValidatorSet(genesis.Header.NextValidators)
	if err != nil {
		return nil, err
	}
	if keep < 1 {
		keep = DefaultKeepEpochs
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	first := &Epoch{
		Number:      0,
		Validators:  set,
		Seed:        genesis.Header.Seed,
		StartHeight: 0,
		StartTime:   genesis.Header.Timestamp,
		MacroHash:   genesis.Hash(),
	}
	r := &Registry{
		policy: policy,
		epochs: map[uint32]*Epoch{0: first},
		keep:   keep,
		logger: logger,
	}
	r.current.Store(first)
	return r, nil
}

// Current returns the active epoch.
func (r *Registry) Current() *Epoch {
	return r.current.Load()
}

// Epoch returns a retained epoch by number.
func (r *Registry) Epoch(n uint32) (*Epoch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.epochs[n]
	return e, ok
}

// Transition opens the epoch following the one macro closes.
func (r *Registry) Transition(macro *MacroBlock) (*Epoch, error) {
	cur := r.Current()
	want := r.policy.MacroHeight(cur.Number)
	if macro.Header.Height != want {
		return nil, wrapf(ErrInternal, "transition at height %d, epoch %d closes at %d", macro.Header.Height, cur.Number, want)
	}
	set, err := NewValidatorSet(macro.Header.NextValidators)
	if err != nil {
		return nil, wrapf(ErrInvalidBlock, "next validators: %v", err)
	}

	next := &Epoch{
		Number:      cur.Number + 1,
		Validators:  set,
		Seed:        macro.Header.Seed,
		StartHeight: macro.Header.Height,
		StartTime:   macro.Header.Timestamp,
		MacroHash:   macro.Hash(),
	}

	r.mu.Lock()
	r.epochs[next.Number] = next
	for n := range r.epochs {
		if int64(n) <= int64(next.Number)-int64(r.keep) {
			delete(r.epochs, n)
		}
	}
	r.mu.Unlock()
	r.current.Store(next)

	r.logger.Info("epoch transition",
		zap.Uint32("epoch", next.Number),
		zap.Uint32("start_height", next.StartHeight),
		zap.Int("validators", set.Len()),
		zap.Uint64("total_weight", set.TotalWeight()))
	return next, nil
}
