package albatross

import (
	"bytes"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultEvidenceCacheSize bounds how many evidence hashes the pool remembers.
const DefaultEvidenceCacheSize = 4096

// Evidence is a self-contained proof of validator misbehavior. Slashing is
// out of scope; evidence is surfaced through Hooks.OnEvidence for external
// handling. Every Evidence is also an error wrapping ErrEquivocation.
type Evidence interface {
	error
	// Offender is the index of the misbehaving validator.
	Offender() uint16
	// Height of the offence.
	Height() uint32
	// Hash identifies the evidence for deduplication.
	Hash() Hash
}

var (
	_ Evidence = (*DoubleVoteEvidence)(nil)
	_ Evidence = (*ForkProof)(nil)
)

// DoubleVoteEvidence proves a validator signed two different hashes for the
// same (height, round, step).
type DoubleVoteEvidence struct {
	VoteA *Vote
	VoteB *Vote
}

// newDoubleVoteEvidence orders the votes by hash so both orders of
// observation yield the same evidence.
func newDoubleVoteEvidence(a, b *Vote) *DoubleVoteEvidence {
	if bytes.Compare(a.BlockHash[:], b.BlockHash[:]) > 0 {
		a, b = b, a
	}
	return &DoubleVoteEvidence{VoteA: a, VoteB: b}
}

func (e *DoubleVoteEvidence) Error() string {
	return fmt.Sprintf("double vote by validator %d at %d/%d/%s", e.VoteA.Signer, e.VoteA.Height, e.VoteA.Round, e.VoteA.Step)
}

func (e *DoubleVoteEvidence) Unwrap() error    { return ErrEquivocation }
func (e *DoubleVoteEvidence) Offender() uint16 { return e.VoteA.Signer }
func (e *DoubleVoteEvidence) Height() uint32   { return e.VoteA.Height }

// Hash identifies the evidence.
func (e *DoubleVoteEvidence) Hash() Hash {
	return HashOf([]byte("double-vote"), e.VoteA.Bytes(), e.VoteB.Bytes())
}

// Verify checks that both votes are validly signed and really conflict.
func (e *DoubleVoteEvidence) Verify(set *ValidatorSet) error {
	if !e.VoteA.Conflicts(e.VoteB) {
		return wrapInvalidMessage("votes do not conflict")
	}
	if err := e.VoteA.Verify(set); err != nil {
		return err
	}
	return e.VoteB.Verify(set)
}

// ForkProof proves a producer signed two different micro blocks for one slot.
type ForkProof struct {
	HeaderA    MicroHeader
	SignatureA []byte
	HeaderB    MicroHeader
	SignatureB []byte
}

func newForkProof(a, b *MicroBlock) *ForkProof {
	ha, hb := a.Hash(), b.Hash()
	if bytes.Compare(ha[:], hb[:]) > 0 {
		a, b = b, a
	}
	return &ForkProof{
		HeaderA:    a.Header,
		SignatureA: a.Signature,
		HeaderB:    b.Header,
		SignatureB: b.Signature,
	}
}

func (p *ForkProof) Error() string {
	return fmt.Sprintf("fork by producer %d at slot %d/%d", p.HeaderA.Producer, p.HeaderA.Epoch, p.HeaderA.Slot)
}

func (p *ForkProof) Unwrap() error    { return ErrEquivocation }
func (p *ForkProof) Offender() uint16 { return p.HeaderA.Producer }
func (p *ForkProof) Height() uint32   { return p.HeaderA.Height }

// Hash identifies the evidence.
func (p *ForkProof) Hash() Hash {
	return HashOf([]byte("fork-proof"), p.HeaderA.Bytes(), p.HeaderB.Bytes())
}

// Verify checks both producer signatures and that the headers share a slot.
func (p *ForkProof) Verify(set *ValidatorSet) error {
	if p.HeaderA.SlotRef() != p.HeaderB.SlotRef() || p.HeaderA.Producer != p.HeaderB.Producer {
		return wrapInvalidMessage("fork proof headers are not for one slot and producer")
	}
	if p.HeaderA.Hash() == p.HeaderB.Hash() {
		return wrapInvalidMessage("fork proof headers are identical")
	}
	key := set.ProducerKey(p.HeaderA.Producer)
	if key == nil {
		return wrapMalformed("producer %d out of range", p.HeaderA.Producer)
	}
	hA, hB := p.HeaderA.Hash(), p.HeaderB.Hash()
	if !key.Verify(hA[:], p.SignatureA) || !key.Verify(hB[:], p.SignatureB) {
		return ErrInvalidSignature
	}
	return nil
}

// EvidencePool collects evidence once per offence. Safe for concurrent use.
type EvidencePool struct {
	mu      sync.Mutex
	seen    *lru.Cache
	pending []Evidence
	limit   int
}

// NewEvidencePool creates a pool remembering up to size evidence hashes.
func NewEvidencePool(size int) (*EvidencePool, error) {
	if size <= 0 {
		size = DefaultEvidenceCacheSize
	}
	seen, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create evidence cache: %w", err)
	}
	return &EvidencePool{seen: seen, limit: size}, nil
}

// Add records ev and reports whether it was new.
func (p *EvidencePool) Add(ev Evidence) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := ev.Hash()
	if ok, _ := p.seen.ContainsOrAdd(h, struct{}{}); ok {
		return false
	}
	if len(p.pending) >= p.limit {
		p.pending = p.pending[1:]
	}
	p.pending = append(p.pending, ev)
	return true
}

// Drain returns and clears the pending evidence. Only the newest entries
// up to the pool size are retained between drains.
func (p *EvidencePool) Drain() []Evidence {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.pending
	p.pending = nil
	return out
}

// Len returns the number of pending evidence entries.
func (p *EvidencePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
