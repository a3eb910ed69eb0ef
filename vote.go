package albatross

import (
	"fmt"

	"github.com/edgedlt/albatross/internal/crypto"
)

// Step is a phase of a finality round.
type Step uint8

const (
	StepPropose Step = iota
	StepPrevote
	StepPrecommit
)

// String implements fmt.Stringer.
func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// IsVote reports whether s is a voting step.
func (s Step) IsVote() bool {
	return s == StepPrevote || s == StepPrecommit
}

// voteWireSize is height + round + step + hash + signer + signature.
const voteWireSize = 4 + 4 + 1 + HashSize + 2 + crypto.BLSSignatureSize

var voteSignTag = []byte("albatross-vote")

// Vote is a prevote or precommit for a macro block hash, or for nil when
// BlockHash is zero.
//
// All validators voting for the same (height, round, step, hash) sign the
// same bytes, which is what makes precommits aggregatable.
type Vote struct {
	Height    uint32
	Round     uint32
	Step      Step
	BlockHash Hash
	Signer    uint16
	Signature []byte
}

// VoteSignBytes returns the message signed by a vote.
func VoteSignBytes(height, round uint32, step Step, hash Hash) []byte {
	w := newWriter(len(voteSignTag) + 9 + HashSize)
	w.fixed(voteSignTag)
	w.u32(height)
	w.u32(round)
	w.u8(uint8(step))
	w.fixed(hash[:])
	return w.bytes()
}

// PrecommitSignBytes returns the message a macro block justification signs.
func PrecommitSignBytes(height, round uint32, hash Hash) []byte {
	return VoteSignBytes(height, round, StepPrecommit, hash)
}

// SignBytes returns the message this vote signs.
func (v *Vote) SignBytes() []byte {
	return VoteSignBytes(v.Height, v.Round, v.Step, v.BlockHash)
}

// IsNil reports whether this is a vote for nil.
func (v *Vote) IsNil() bool {
	return v.BlockHash.IsZero()
}

// Verify checks the vote's structure and signature against set.
func (v *Vote) Verify(set *ValidatorSet) error {
	if !v.Step.IsVote() {
		return wrapMalformed("vote step %s", v.Step)
	}
	key := set.VotingKey(v.Signer)
	if key == nil {
		return wrapMalformed("vote signer %d out of range", v.Signer)
	}
	sig, err := crypto.BLSSignatureFromBytes(v.Signature)
	if err != nil {
		return wrapf(ErrInvalidSignature, "vote from %d: %v", v.Signer, err)
	}
	if !key.Verify(v.SignBytes(), sig) {
		return wrapf(ErrInvalidSignature, "vote from %d at %d/%d/%s", v.Signer, v.Height, v.Round, v.Step)
	}
	return nil
}

// Conflicts reports whether v and o are signed by the same validator for the
// same (height, round, step) but different hashes.
func (v *Vote) Conflicts(o *Vote) bool {
	return v.Signer == o.Signer &&
		v.Height == o.Height &&
		v.Round == o.Round &&
		v.Step == o.Step &&
		v.BlockHash != o.BlockHash
}

// String implements fmt.Stringer.
func (v *Vote) String() string {
	target := "nil"
	if !v.IsNil() {
		target = v.BlockHash.Short()
	}
	return fmt.Sprintf("Vote{%d/%d/%s %s by %d}", v.Height, v.Round, v.Step, target, v.Signer)
}

// Bytes serializes the vote.
// Format: [height:4][round:4][step:1][hash:32][signer:2][sigLen:4][sig]
func (v *Vote) Bytes() []byte {
	w := newWriter(voteWireSize + 4)
	v.encode(w)
	return w.bytes()
}

func (v *Vote) encode(w *writer) {
	w.u32(v.Height)
	w.u32(v.Round)
	w.u8(uint8(v.Step))
	w.fixed(v.BlockHash[:])
	w.u16(v.Signer)
	w.varBytes(v.Signature)
}

func decodeVote(r *reader) *Vote {
	v := &Vote{}
	v.Height = r.u32()
	v.Round = r.u32()
	v.Step = Step(r.u8())
	v.BlockHash = r.hash()
	v.Signer = r.u16()
	v.Signature = r.varBytes(crypto.BLSSignatureSize)
	return v
}

// VoteFromBytes deserializes a vote.
func VoteFromBytes(data []byte) (*Vote, error) {
	r := newReader(data, "vote")
	v := decodeVote(r)
	if err := r.done(); err != nil {
		return nil, err
	}
	return v, nil
}
