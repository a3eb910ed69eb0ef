package albatross

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edgedlt/albatross/internal/crypto"
)

// BuildMacro builds the macro header closing epoch on top of parent, the
// last micro block of the epoch. It replays the state root, proves the
// seed and runs the election for the next epoch.
func (p *Producer) BuildMacro(ctx context.Context, parent Block, epoch *Epoch, now time.Time) (MacroHeader, error) {
	if p.signer == nil {
		return MacroHeader{}, ErrNotLeader
	}
	height := parent.Height() + 1
	if want := p.policy.MacroHeight(epoch.Number); height != want {
		return MacroHeader{}, fmt.Errorf("parent at %d, epoch %d closes at %d", parent.Height(), epoch.Number, want)
	}
	idx, ok := epoch.Validators.IndexOf(p.signer.Address())
	if !ok {
		return MacroHeader{}, ErrNotLeader
	}

	root, err := p.state.Apply(ctx, parent.StateRoot(), nil)
	if err != nil {
		return MacroHeader{}, classifyStateError(err)
	}
	next, err := p.elect(ctx, epoch.Number+1, root)
	if err != nil {
		return MacroHeader{}, err
	}
	seed, proof, err := p.signer.ProveSeed(parent.Seed(), Slot{Epoch: epoch.Number, Index: MacroSlot})
	if err != nil {
		return MacroHeader{}, fmt.Errorf("prove seed: %w", err)
	}

	ts := millis(now)
	if ts < parent.Timestamp() {
		ts = parent.Timestamp()
	}

	header := MacroHeader{
		Height:         height,
		Epoch:          epoch.Number,
		ParentHash:     parent.Hash(),
		PrevMacroHash:  epoch.MacroHash,
		StateRoot:      root,
		Timestamp:      ts,
		Proposer:       idx,
		Seed:           seed,
		SeedProof:      proof,
		NextValidators: next,
	}
	p.logger.Debug("built macro header",
		zap.Uint32("height", height),
		zap.Int("next_validators", len(next)),
		zap.Stringer("hash", header.Hash()))
	return header, nil
}

// elect runs the elector and returns the next set in canonical order.
func (p *Producer) elect(ctx context.Context, epoch uint32, root Hash) ([]Validator, error) {
	vals, err := p.elector.Elect(ctx, epoch, root)
	if err != nil {
		return nil, fmt.Errorf("elect epoch %d: %w", epoch, err)
	}
	set, err := NewValidatorSet(vals)
	if err != nil {
		return nil, fmt.Errorf("elect epoch %d: %w", epoch, err)
	}
	return set.Validators(), nil
}

// AuthenticateProposal checks that prop comes from the proposer of its
// round: a fresh proposal must name that validator in its header, and the
// proposal must carry its signature. It fails with ErrInvalidLeader or
// ErrInvalidSignature.
func AuthenticateProposal(prop *ProposalMessage, epoch *Epoch) error {
	h := &prop.Header
	set := epoch.Validators

	// A re-proposal carries the header of an earlier round and its
	// original proposer.
	expected := MacroProposer(epoch.Seed, set, h.Height, prop.Round)
	if prop.ValidRound < 0 && h.Proposer != expected {
		return wrapf(ErrInvalidLeader, "round %d belongs to validator %d, header names %d", prop.Round, expected, h.Proposer)
	}
	if !set.Contains(h.Proposer) {
		return wrapf(ErrInvalidLeader, "proposer %d out of range", h.Proposer)
	}
	return prop.VerifySignature(set, expected)
}

// ValidateProposal checks an authenticated macro proposal against parent
// and the epoch it closes. Checks run in order: chain linkage, timestamp,
// seed proof, state replay, and the next validator set. The first failure
// is returned.
func (p *Producer) ValidateProposal(ctx context.Context, prop *ProposalMessage, parent Block, epoch *Epoch, now time.Time) error {
	h := &prop.Header
	set := epoch.Validators

	if len(h.SeedProof) != crypto.BLSSignatureSize {
		return wrapMalformed("macro seed proof of %d bytes", len(h.SeedProof))
	}
	if h.ParentHash != parent.Hash() || h.Height != parent.Height()+1 {
		return wrapf(ErrInvalidBlock, "macro parent %s at %d does not match %s at %d",
			h.ParentHash.Short(), h.Height-1, parent.Hash().Short(), parent.Height())
	}
	if want := p.policy.MacroHeight(epoch.Number); h.Height != want || h.Epoch != epoch.Number {
		return wrapf(ErrInvalidBlock, "macro block at %d in epoch %d, expected %d in %d", h.Height, h.Epoch, want, epoch.Number)
	}
	if h.PrevMacroHash != epoch.MacroHash {
		return wrapf(ErrInvalidBlock, "previous macro %s, expected %s", h.PrevMacroHash.Short(), epoch.MacroHash.Short())
	}

	if h.Timestamp < parent.Timestamp() {
		return wrapf(ErrInvalidBlock, "timestamp %d before parent %d", h.Timestamp, parent.Timestamp())
	}
	if limit := millis(now.Add(p.maxDrift)); h.Timestamp > limit {
		return wrapf(ErrInvalidBlock, "timestamp %d ahead of local clock", h.Timestamp)
	}

	seed, err := verifySeed(set, h.Proposer, parent.Seed(), Slot{Epoch: epoch.Number, Index: MacroSlot}, h.SeedProof)
	if err != nil {
		return err
	}
	if seed != h.Seed {
		return wrapf(ErrInvalidLeader, "macro seed does not match proof")
	}

	if err := p.replay(ctx, parent.StateRoot(), nil, h.StateRoot); err != nil {
		return err
	}

	next, err := p.elect(ctx, epoch.Number+1, h.StateRoot)
	if err != nil {
		return err
	}
	if !sameValidators(next, h.NextValidators) {
		return wrapf(ErrInvalidBlock, "next validator set differs from local election")
	}
	return nil
}

func sameValidators(a, b []Validator) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
