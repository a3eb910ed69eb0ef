package albatross

import (
	"fmt"
	"math"
)

// DefaultBlocksPerEpoch is the epoch length used when none is configured.
const DefaultBlocksPerEpoch = 32

// MacroSlot is the slot number used in the VRF input of macro blocks. Micro
// block slots never reach it.
const MacroSlot = math.MaxUint32

// Policy fixes the chain layout. Height 0 is genesis. Epoch e holds micro
// blocks at heights e*L+1 .. e*L+L-1 and is closed by the macro block at
// height (e+1)*L, where L is BlocksPerEpoch.
type Policy struct {
	BlocksPerEpoch uint32
}

// DefaultPolicy returns the default chain layout.
func DefaultPolicy() Policy {
	return Policy{BlocksPerEpoch: DefaultBlocksPerEpoch}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.BlocksPerEpoch < 2 {
		return wrapConfigf("blocks per epoch must be at least 2, got %d", p.BlocksPerEpoch)
	}
	return nil
}

// EpochAt returns the epoch a block at height h belongs to. The macro block
// closing an epoch belongs to that epoch; genesis belongs to epoch 0.
func (p Policy) EpochAt(h uint32) uint32 {
	if h == 0 {
		return 0
	}
	return (h - 1) / p.BlocksPerEpoch
}

// IsMacroHeight reports whether a macro block lives at height h.
func (p Policy) IsMacroHeight(h uint32) bool {
	return h%p.BlocksPerEpoch == 0
}

// MacroHeight returns the height of the macro block closing epoch e.
func (p Policy) MacroHeight(e uint32) uint32 {
	return (e + 1) * p.BlocksPerEpoch
}

// FirstMicroHeight returns the height of the first micro block of epoch e.
func (p Policy) FirstMicroHeight(e uint32) uint32 {
	return e*p.BlocksPerEpoch + 1
}

// String implements fmt.Stringer.
func (p Policy) String() string {
	return fmt.Sprintf("Policy{BlocksPerEpoch: %d}", p.BlocksPerEpoch)
}
