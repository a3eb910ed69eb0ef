package albatross

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/edgedlt/albatross/internal/crypto"
)

// MaxMessageSize bounds any encoded message.
const MaxMessageSize = 16 << 20

// MaxTransactionSize bounds a single transaction on the wire.
const MaxTransactionSize = 1 << 20

// MessageKind tags the message variants on the wire.
type MessageKind uint8

const (
	KindMicroBlock MessageKind = iota + 1
	KindMacroBlock
	KindVote
	KindProposal
)

// String returns the string representation of the message kind.
func (k MessageKind) String() string {
	switch k {
	case KindMicroBlock:
		return "MICRO"
	case KindMacroBlock:
		return "MACRO"
	case KindVote:
		return "VOTE"
	case KindProposal:
		return "PROPOSAL"
	default:
		return "UNKNOWN"
	}
}

// Message is the closed set of consensus messages. Messages are decoded
// once at the transport boundary.
type Message interface {
	Kind() MessageKind
	isMessage()
}

// MicroBlockMessage carries a micro block with its producer signature.
type MicroBlockMessage struct {
	Block *MicroBlock
}

// MacroBlockMessage carries a committed macro block with its justification.
type MacroBlockMessage struct {
	Block *MacroBlock
}

// VoteMessage carries a prevote or precommit.
type VoteMessage struct {
	Vote *Vote
}

// ProposalMessage carries a macro block candidate for a round.
// ValidRound is -1 unless the proposer re-proposes a block that had a
// prevote quorum in that earlier round.
type ProposalMessage struct {
	Header     MacroHeader
	Round      uint32
	ValidRound int32
	Signature  []byte
}

func (*MicroBlockMessage) Kind() MessageKind { return KindMicroBlock }
func (*MacroBlockMessage) Kind() MessageKind { return KindMacroBlock }
func (*VoteMessage) Kind() MessageKind       { return KindVote }
func (*ProposalMessage) Kind() MessageKind   { return KindProposal }

func (*MicroBlockMessage) isMessage() {}
func (*MacroBlockMessage) isMessage() {}
func (*VoteMessage) isMessage()       {}
func (*ProposalMessage) isMessage()   {}

var proposalSignTag = []byte("albatross-proposal")

// SignBytes returns the message the proposer signs.
func (p *ProposalMessage) SignBytes() []byte {
	h := p.Header.Hash()
	w := newWriter(len(proposalSignTag) + 12 + HashSize)
	w.fixed(proposalSignTag)
	w.u32(p.Header.Height)
	w.u32(p.Round)
	w.u32(uint32(p.ValidRound))
	w.fixed(h[:])
	return w.bytes()
}

// VerifySignature checks the proposal signature against the voting key of
// proposer, the validator leading p.Round. A re-proposed header may name an
// earlier round's proposer, so the header's own Proposer field is not used.
func (p *ProposalMessage) VerifySignature(set *ValidatorSet, proposer uint16) error {
	key := set.VotingKey(proposer)
	if key == nil {
		return wrapMalformed("proposer %d out of range", proposer)
	}
	sig, err := crypto.BLSSignatureFromBytes(p.Signature)
	if err != nil {
		return wrapf(ErrInvalidSignature, "proposal: %v", err)
	}
	if !key.Verify(p.SignBytes(), sig) {
		return wrapf(ErrInvalidSignature, "proposal for %d/%d", p.Header.Height, p.Round)
	}
	return nil
}

// Encode serializes m.
// Format: [kind:1][body...]. Micro block bodies are S2-compressed.
func Encode(m Message) ([]byte, error) {
	w := newWriter(256)
	w.u8(uint8(m.Kind()))

	switch msg := m.(type) {
	case *MicroBlockMessage:
		if msg.Block == nil {
			return nil, fmt.Errorf("encode micro block: nil block")
		}
		msg.Block.Header.encode(w)
		w.varBytes(msg.Block.Signature)
		w.varBytes(s2.Encode(nil, encodeBody(msg.Block.Body)))
	case *MacroBlockMessage:
		if msg.Block == nil || msg.Block.Justification == nil || msg.Block.Justification.Aggregate == nil {
			return nil, fmt.Errorf("encode macro block: missing justification")
		}
		msg.Block.Header.encode(w)
		w.u32(msg.Block.Justification.Round)
		if err := msg.Block.Justification.Aggregate.encode(w); err != nil {
			return nil, err
		}
	case *VoteMessage:
		if msg.Vote == nil {
			return nil, fmt.Errorf("encode vote: nil vote")
		}
		msg.Vote.encode(w)
	case *ProposalMessage:
		msg.Header.encode(w)
		w.u32(msg.Round)
		w.u32(uint32(msg.ValidRound))
		w.varBytes(msg.Signature)
	default:
		return nil, fmt.Errorf("encode: unknown message type %T", m)
	}

	if len(w.bytes()) > MaxMessageSize {
		return nil, fmt.Errorf("encode %s: %d bytes exceeds limit", m.Kind(), len(w.bytes()))
	}
	return w.bytes(), nil
}

// Decode parses a message. Every failure wraps ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, wrapMalformed("empty message")
	}
	if len(data) > MaxMessageSize {
		return nil, wrapMalformed("message of %d bytes exceeds limit", len(data))
	}

	kind := MessageKind(data[0])
	r := newReader(data[1:], kind.String())

	var m Message
	switch kind {
	case KindMicroBlock:
		header := decodeMicroHeader(r)
		sig := r.varBytes(crypto.Ed25519SignatureSize)
		compressed := r.varBytes(MaxMessageSize)
		if err := r.done(); err != nil {
			return nil, err
		}
		body, err := decodeCompressedBody(compressed)
		if err != nil {
			return nil, err
		}
		m = &MicroBlockMessage{Block: &MicroBlock{Header: header, Body: body, Signature: sig}}
	case KindMacroBlock:
		header := decodeMacroHeader(r)
		round := r.u32()
		if r.err != nil {
			return nil, r.err
		}
		agg, err := decodeAggregate(r)
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		m = &MacroBlockMessage{Block: &MacroBlock{
			Header:        header,
			Justification: &Justification{Round: round, Aggregate: agg},
		}}
	case KindVote:
		v := decodeVote(r)
		if err := r.done(); err != nil {
			return nil, err
		}
		m = &VoteMessage{Vote: v}
	case KindProposal:
		p := &ProposalMessage{Header: decodeMacroHeader(r)}
		p.Round = r.u32()
		p.ValidRound = int32(r.u32())
		p.Signature = r.varBytes(crypto.BLSSignatureSize)
		if err := r.done(); err != nil {
			return nil, err
		}
		if p.ValidRound < -1 || (p.ValidRound >= 0 && uint32(p.ValidRound) >= p.Round) {
			return nil, wrapMalformed("proposal valid round %d with round %d", p.ValidRound, p.Round)
		}
		m = p
	default:
		return nil, wrapMalformed("unknown message kind %d", kind)
	}
	return m, nil
}

func encodeBody(txs []Transaction) []byte {
	w := newWriter(4 + BodySize(txs) + 4*len(txs))
	w.u32(uint32(len(txs)))
	for _, tx := range txs {
		w.varBytes(tx)
	}
	return w.bytes()
}

func decodeCompressedBody(compressed []byte) ([]Transaction, error) {
	n, err := s2.DecodedLen(compressed)
	if err != nil {
		return nil, wrapMalformed("micro body: %v", err)
	}
	if n > MaxMessageSize {
		return nil, wrapMalformed("micro body of %d bytes exceeds limit", n)
	}
	raw, err := s2.Decode(nil, compressed)
	if err != nil {
		return nil, wrapMalformed("micro body: %v", err)
	}

	r := newReader(raw, "micro body")
	count := r.u32()
	if r.err == nil && int(count) > len(raw)/4 {
		return nil, wrapMalformed("micro body: %d transactions in %d bytes", count, len(raw))
	}
	txs := make([]Transaction, 0, count)
	for i := uint32(0); i < count && r.err == nil; i++ {
		txs = append(txs, Transaction(r.varBytes(MaxTransactionSize)))
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return txs, nil
}
