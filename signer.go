package albatross

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/edgedlt/albatross/internal/crypto"
)

// LocalKeystore keeps a validator's keys in memory. Secret material is never
// exposed; callers only get signatures and public keys.
type LocalKeystore struct {
	producer *crypto.Ed25519PrivateKey
	voting   *crypto.BLSPrivateKey
}

var _ Keystore = (*LocalKeystore)(nil)

// NewLocalKeystore wraps existing keys.
func NewLocalKeystore(producer *crypto.Ed25519PrivateKey, voting *crypto.BLSPrivateKey) *LocalKeystore {
	return &LocalKeystore{producer: producer, voting: voting}
}

// GenerateLocalKeystore creates a keystore with fresh random keys.
func GenerateLocalKeystore() (*LocalKeystore, error) {
	producer, err := crypto.GenerateEd25519Key()
	if err != nil {
		return nil, err
	}
	voting, err := crypto.GenerateBLSKey()
	if err != nil {
		return nil, err
	}
	return NewLocalKeystore(producer, voting), nil
}

// LocalKeystoreFromSeed derives both keys deterministically from a 32-byte
// seed. Intended for tests and simulations.
func LocalKeystoreFromSeed(seed []byte) (*LocalKeystore, error) {
	producer, err := crypto.Ed25519PrivateKeyFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("producer key: %w", err)
	}
	voting, err := crypto.BLSPrivateKeyFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("voting key: %w", err)
	}
	return NewLocalKeystore(producer, voting), nil
}

func (k *LocalKeystore) ProducerPublicKey() *crypto.Ed25519PublicKey { return k.producer.PublicKey() }
func (k *LocalKeystore) VotingPublicKey() *crypto.BLSPublicKey       { return k.voting.PublicKey() }

// SignProducer signs with the Ed25519 producer key.
func (k *LocalKeystore) SignProducer(msg []byte) ([]byte, error) {
	return k.producer.Sign(msg), nil
}

// SignVoting signs with the BLS voting key.
func (k *LocalKeystore) SignVoting(msg []byte) ([]byte, error) {
	sig, err := k.voting.Sign(msg)
	if err != nil {
		return nil, err
	}
	return sig.Bytes(), nil
}

// ProveVRF evaluates the VRF with the voting key.
func (k *LocalKeystore) ProveVRF(input []byte) (Seed, []byte, error) {
	out, proof, err := k.voting.ProveVRF(input)
	if err != nil {
		return Seed{}, nil, err
	}
	return Seed(out), proof, nil
}

// Validator returns the validator entry for these keys.
func (k *LocalKeystore) Validator(weight uint64) Validator {
	return NewValidator(k.producer.PublicKey(), k.voting.PublicKey(), weight)
}

// signState is the last (height, round, step) the signer signed.
type signState struct {
	height    uint32
	round     uint32
	step      Step
	hash      Hash
	signature []byte
	valid     bool
}

// microState is the last micro block slot the signer signed.
type microState struct {
	slot      Slot
	hash      Hash
	signature []byte
	valid     bool
}

// SafeSigner guards a Keystore against double signing.
//
// CRITICAL SAFETY: every vote, proposal and micro block passes through here.
// A request that regresses from or conflicts with what was already signed is
// refused with ErrConflictingVote; an identical request gets the cached
// signature back. After Halt every request fails with ErrSignerHalted.
type SafeSigner struct {
	mu     sync.Mutex
	keys   Keystore
	last   signState
	micro  microState
	halted atomic.Bool
	logger *zap.Logger
}

// NewSafeSigner wraps keys.
func NewSafeSigner(keys Keystore, logger *zap.Logger) *SafeSigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SafeSigner{keys: keys, logger: logger}
}

// Address returns the validator address of the wrapped keys.
func (s *SafeSigner) Address() Address {
	return AddressFromKey(s.keys.ProducerPublicKey().Bytes())
}

// VotingPublicKey returns the public voting key.
func (s *SafeSigner) VotingPublicKey() *crypto.BLSPublicKey {
	return s.keys.VotingPublicKey()
}

// Halt stops all further signing. It cannot be undone.
func (s *SafeSigner) Halt(reason error) {
	if s.halted.CompareAndSwap(false, true) {
		s.logger.Error("signer halted", zap.Error(reason))
	}
}

// Halted reports whether Halt was called.
func (s *SafeSigner) Halted() bool {
	return s.halted.Load()
}

// checkHRS decides whether (height, round, step, hash) may be signed. It
// returns a cached signature when the request repeats the last one.
// Must hold mu.
func (s *SafeSigner) checkHRS(height, round uint32, step Step, hash Hash) ([]byte, error) {
	if !s.last.valid {
		return nil, nil
	}
	last := s.last
	switch {
	case height < last.height:
		return nil, fmt.Errorf("%w: height %d below last signed %d", ErrConflictingVote, height, last.height)
	case height > last.height:
		return nil, nil
	case round < last.round:
		return nil, fmt.Errorf("%w: round %d below last signed %d at height %d", ErrConflictingVote, round, last.round, height)
	case round > last.round:
		return nil, nil
	case step < last.step:
		return nil, fmt.Errorf("%w: step %s after %s at %d/%d", ErrConflictingVote, step, last.step, height, round)
	case step > last.step:
		return nil, nil
	case hash == last.hash:
		return last.signature, nil
	default:
		return nil, fmt.Errorf("%w: %s for %s after %s at %d/%d",
			ErrConflictingVote, step, hash.Short(), last.hash.Short(), height, round)
	}
}

// signHRS signs msg for (height, round, step, hash) if allowed.
func (s *SafeSigner) signHRS(height, round uint32, step Step, hash Hash, msg []byte) ([]byte, error) {
	if s.halted.Load() {
		return nil, ErrSignerHalted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cached, err := s.checkHRS(height, round, step, hash)
	if err != nil {
		s.logger.Warn("refused to sign",
			zap.Uint32("height", height),
			zap.Uint32("round", round),
			zap.Stringer("step", step),
			zap.Error(err))
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	sig, err := s.keys.SignVoting(msg)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", step, err)
	}
	s.last = signState{height: height, round: round, step: step, hash: hash, signature: sig, valid: true}
	return sig, nil
}

// SignVote fills in v.Signature.
func (s *SafeSigner) SignVote(v *Vote) error {
	if !v.Step.IsVote() {
		return fmt.Errorf("cannot sign vote with step %s", v.Step)
	}
	sig, err := s.signHRS(v.Height, v.Round, v.Step, v.BlockHash, v.SignBytes())
	if err != nil {
		return err
	}
	v.Signature = sig
	return nil
}

// SignProposal fills in p.Signature.
func (s *SafeSigner) SignProposal(p *ProposalMessage) error {
	sig, err := s.signHRS(p.Header.Height, p.Round, StepPropose, p.Header.Hash(), p.SignBytes())
	if err != nil {
		return err
	}
	p.Signature = sig
	return nil
}

// SignMicro signs a micro block header. At most one header is signed per
// slot, and slots must increase.
func (s *SafeSigner) SignMicro(h *MicroHeader) ([]byte, error) {
	if s.halted.Load() {
		return nil, ErrSignerHalted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot := h.SlotRef()
	hash := h.Hash()
	if s.micro.valid {
		last := s.micro.slot
		if slot == last {
			if hash == s.micro.hash {
				return s.micro.signature, nil
			}
			return nil, fmt.Errorf("%w: second block for slot %d/%d", ErrConflictingVote, slot.Epoch, slot.Index)
		}
		if slot.Epoch < last.Epoch || (slot.Epoch == last.Epoch && slot.Index < last.Index) {
			return nil, fmt.Errorf("%w: slot %d/%d before last signed %d/%d",
				ErrConflictingVote, slot.Epoch, slot.Index, last.Epoch, last.Index)
		}
	}

	sig, err := s.keys.SignProducer(hash[:])
	if err != nil {
		return nil, fmt.Errorf("sign micro header: %w", err)
	}
	s.micro = microState{slot: slot, hash: hash, signature: sig, valid: true}
	return sig, nil
}

// ProveSeed evaluates the VRF for a block at slot over the parent's seed.
// VRF outputs are unique per input, so no double-signing guard is needed.
func (s *SafeSigner) ProveSeed(parent Seed, slot Slot) (Seed, []byte, error) {
	if s.halted.Load() {
		return Seed{}, nil, ErrSignerHalted
	}
	return s.keys.ProveVRF(VRFInput(parent, slot))
}
