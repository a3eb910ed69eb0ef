package albatross

import (
	"fmt"
	"slices"

	"github.com/edgedlt/albatross/internal/crypto"
)

// Transaction is opaque to the consensus core; only order and size matter.
type Transaction []byte

// Block is implemented by *MicroBlock and *MacroBlock.
type Block interface {
	Hash() Hash
	ParentHash() Hash
	Height() uint32
	Epoch() uint32
	StateRoot() Hash
	Seed() Seed
	// Timestamp in milliseconds since the Unix epoch.
	Timestamp() uint64
	IsMacro() bool
}

var (
	_ Block = (*MicroBlock)(nil)
	_ Block = (*MacroBlock)(nil)
)

const (
	microHeaderTag byte = 'u'
	macroHeaderTag byte = 'M'
)

// MicroHeader is the signed part of a micro block.
type MicroHeader struct {
	Height     uint32
	Epoch      uint32
	Slot       uint32
	ParentHash Hash
	StateRoot  Hash
	BodyRoot   Hash
	Timestamp  uint64
	Producer   uint16
	Seed       Seed
	SeedProof  []byte
}

// Bytes returns the canonical encoding of the header.
// Format: [tag:1][height:4][epoch:4][slot:4][parent:32][state:32][body:32]
// [timestamp:8][producer:2][seed:32][proofLen:4][proof]
func (h *MicroHeader) Bytes() []byte {
	w := newWriter(160 + len(h.SeedProof))
	h.encode(w)
	return w.bytes()
}

func (h *MicroHeader) encode(w *writer) {
	w.u8(microHeaderTag)
	w.u32(h.Height)
	w.u32(h.Epoch)
	w.u32(h.Slot)
	w.fixed(h.ParentHash[:])
	w.fixed(h.StateRoot[:])
	w.fixed(h.BodyRoot[:])
	w.u64(h.Timestamp)
	w.u16(h.Producer)
	w.fixed(h.Seed[:])
	w.varBytes(h.SeedProof)
}

func decodeMicroHeader(r *reader) MicroHeader {
	var h MicroHeader
	if tag := r.u8(); r.err == nil && tag != microHeaderTag {
		r.err = wrapMalformed("micro header: unexpected tag %#x", tag)
	}
	h.Height = r.u32()
	h.Epoch = r.u32()
	h.Slot = r.u32()
	h.ParentHash = r.hash()
	h.StateRoot = r.hash()
	h.BodyRoot = r.hash()
	h.Timestamp = r.u64()
	h.Producer = r.u16()
	copy(h.Seed[:], r.take(len(h.Seed)))
	h.SeedProof = r.varBytes(crypto.BLSSignatureSize)
	return h
}

// Hash returns the header digest the producer signs.
func (h *MicroHeader) Hash() Hash {
	return HashOf(h.Bytes())
}

// SlotRef returns the header's slot.
func (h *MicroHeader) SlotRef() Slot {
	return Slot{Epoch: h.Epoch, Index: h.Slot}
}

// MicroBlock is an ordinary per-slot block.
type MicroBlock struct {
	Header    MicroHeader
	Body      []Transaction
	Signature []byte
}

func (b *MicroBlock) Hash() Hash        { return b.Header.Hash() }
func (b *MicroBlock) ParentHash() Hash  { return b.Header.ParentHash }
func (b *MicroBlock) Height() uint32    { return b.Header.Height }
func (b *MicroBlock) Epoch() uint32     { return b.Header.Epoch }
func (b *MicroBlock) StateRoot() Hash   { return b.Header.StateRoot }
func (b *MicroBlock) Seed() Seed        { return b.Header.Seed }
func (b *MicroBlock) Timestamp() uint64 { return b.Header.Timestamp }
func (b *MicroBlock) IsMacro() bool     { return false }

// String implements fmt.Stringer.
func (b *MicroBlock) String() string {
	return fmt.Sprintf("Micro{h=%d slot=%d/%d producer=%d txs=%d hash=%s}",
		b.Header.Height, b.Header.Epoch, b.Header.Slot, b.Header.Producer, len(b.Body), b.Hash().Short())
}

// BodyRoot commits to the ordered transaction list.
func BodyRoot(txs []Transaction) Hash {
	return HashOf(encodeBody(txs))
}

// BodySize returns the total transaction size in bytes.
func BodySize(txs []Transaction) int {
	n := 0
	for _, tx := range txs {
		n += len(tx)
	}
	return n
}

// MacroHeader is the header of a macro block. It carries no round so that a
// header locked in one round can be proposed unchanged in a later one.
type MacroHeader struct {
	Height         uint32
	Epoch          uint32
	ParentHash     Hash
	PrevMacroHash  Hash
	StateRoot      Hash
	Timestamp      uint64
	Proposer       uint16
	Seed           Seed
	SeedProof      []byte
	NextValidators []Validator
}

// Bytes returns the canonical encoding of the header.
func (h *MacroHeader) Bytes() []byte {
	w := newWriter(160 + len(h.SeedProof) + len(h.NextValidators)*validatorWireSize)
	h.encode(w)
	return w.bytes()
}

func (h *MacroHeader) encode(w *writer) {
	w.u8(macroHeaderTag)
	w.u32(h.Height)
	w.u32(h.Epoch)
	w.fixed(h.ParentHash[:])
	w.fixed(h.PrevMacroHash[:])
	w.fixed(h.StateRoot[:])
	w.u64(h.Timestamp)
	w.u16(h.Proposer)
	w.fixed(h.Seed[:])
	w.varBytes(h.SeedProof)
	w.u16(uint16(len(h.NextValidators)))
	for _, v := range h.NextValidators {
		v.encode(w)
	}
}

func decodeMacroHeader(r *reader) MacroHeader {
	var h MacroHeader
	if tag := r.u8(); r.err == nil && tag != macroHeaderTag {
		r.err = wrapMalformed("macro header: unexpected tag %#x", tag)
	}
	h.Height = r.u32()
	h.Epoch = r.u32()
	h.ParentHash = r.hash()
	h.PrevMacroHash = r.hash()
	h.StateRoot = r.hash()
	h.Timestamp = r.u64()
	h.Proposer = r.u16()
	copy(h.Seed[:], r.take(len(h.Seed)))
	h.SeedProof = r.varBytes(crypto.BLSSignatureSize)
	n := int(r.u16())
	if n > MaxValidators {
		r.err = wrapMalformed("macro header: %d validators exceeds %d", n, MaxValidators)
		return h
	}
	for i := 0; i < n && r.err == nil; i++ {
		h.NextValidators = append(h.NextValidators, decodeValidator(r))
	}
	return h
}

// Hash returns the header digest votes refer to.
func (h *MacroHeader) Hash() Hash {
	return HashOf(h.Bytes())
}

// Justification proves a macro block was committed: the aggregate of the
// precommits for its hash in the committing round.
type Justification struct {
	Round     uint32
	Aggregate *AggregateSignature
}

// MacroBlock is a finality checkpoint. Once committed nothing reverts past it.
// Genesis is the only macro block without a justification.
type MacroBlock struct {
	Header        MacroHeader
	Justification *Justification
}

func (b *MacroBlock) Hash() Hash        { return b.Header.Hash() }
func (b *MacroBlock) ParentHash() Hash  { return b.Header.ParentHash }
func (b *MacroBlock) Height() uint32    { return b.Header.Height }
func (b *MacroBlock) Epoch() uint32     { return b.Header.Epoch }
func (b *MacroBlock) StateRoot() Hash   { return b.Header.StateRoot }
func (b *MacroBlock) Seed() Seed        { return b.Header.Seed }
func (b *MacroBlock) Timestamp() uint64 { return b.Header.Timestamp }
func (b *MacroBlock) IsMacro() bool     { return true }

// String implements fmt.Stringer.
func (b *MacroBlock) String() string {
	round := int64(-1)
	if b.Justification != nil {
		round = int64(b.Justification.Round)
	}
	return fmt.Sprintf("Macro{h=%d epoch=%d round=%d proposer=%d hash=%s}",
		b.Header.Height, b.Header.Epoch, round, b.Header.Proposer, b.Hash().Short())
}

// Genesis is the input the chain starts from.
type Genesis struct {
	Validators []Validator
	Seed       Seed
	StateRoot  Hash
	// Timestamp in milliseconds. Epoch 0 slots count from it.
	Timestamp uint64
}

// NewGenesis builds the unsigned height-0 macro block.
func NewGenesis(g Genesis) *MacroBlock {
	vals := slices.Clone(g.Validators)
	slices.SortFunc(vals, func(a, b Validator) int { return a.Address.Compare(b.Address) })
	return &MacroBlock{
		Header: MacroHeader{
			Height:         0,
			Epoch:          0,
			StateRoot:      g.StateRoot,
			Timestamp:      g.Timestamp,
			Seed:           g.Seed,
			NextValidators: vals,
		},
	}
}
