package albatross

// ChainState is a read-only snapshot of the engine's view of the chain.
//
// The main loop publishes a fresh snapshot after every state change;
// readers on other goroutines load it without locking. A snapshot is never
// mutated after it is published.
type ChainState struct {
	// Head is the fork choice head.
	HeadHash   Hash
	HeadHeight uint32

	// Finalized is the last committed macro block.
	FinalizedHash   Hash
	FinalizedHeight uint32

	// Epoch is the active epoch and its validator set.
	Epoch      uint32
	Validators *ValidatorSet

	// Finality progress for the macro block closing Epoch.
	MacroHeight    uint32
	Round          uint32
	Step           Step
	FinalityActive bool

	// LockedRound is -1 when unlocked.
	LockedRound int32

	Producer        ProducerState
	ForkTips        int
	Orphans         int
	PendingEvidence int

	// Halted is set once the signer refused all further signatures.
	Halted bool
}

// IsValidator reports whether addr is in the active validator set.
func (s *ChainState) IsValidator(addr Address) bool {
	if s == nil || s.Validators == nil {
		return false
	}
	_, ok := s.Validators.IndexOf(addr)
	return ok
}

// InMacroPhase reports whether the chain is waiting on finality, that is
// the next block to add is the macro block.
func (s *ChainState) InMacroPhase() bool {
	return s != nil && s.HeadHeight+1 == s.MacroHeight
}
