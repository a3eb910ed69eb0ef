// Package albatross implements an Albatross-style proof-of-stake consensus
// core.
//
// Every slot a leader drawn by a verifiable random function from the epoch
// seed produces a micro block. At each epoch boundary the validator set runs
// a Tendermint-style BFT round (Propose, Prevote, Precommit, Commit) to
// commit a macro block. The macro block's aggregated BLS justification makes
// it final, and it seeds the next epoch's validator set and randomness.
//
// The package owns the consensus logic only. Transport, mempool, state trie
// and key storage are collaborators supplied through the interfaces below.
package albatross

import (
	"context"
	"time"

	"github.com/edgedlt/albatross/internal/crypto"
)

// Mempool supplies transactions for locally produced micro blocks.
type Mempool interface {
	// TakeTransactions returns up to maxBytes of transactions in fee
	// priority order. Admission rules are the mempool's concern.
	TakeTransactions(ctx context.Context, maxBytes int) ([]Transaction, error)
}

// StateStore applies transactions to the state trie.
//
// Apply must be deterministic and side-effect free from the core's point of
// view. It returns an error wrapping ErrInvalidTransition when the batch
// itself is invalid; every other error is treated as a store failure.
type StateStore interface {
	Apply(ctx context.Context, parentRoot Hash, txs []Transaction) (Hash, error)
}

// Envelope is a raw message delivered by the transport.
type Envelope struct {
	// From identifies the sending peer, for logging only.
	From    string
	Payload []byte
}

// Transport is the gossip layer. The core is transport-agnostic: it only
// produces and consumes encoded Messages.
type Transport interface {
	// Broadcast sends payload to all peers.
	Broadcast(ctx context.Context, payload []byte) error

	// Receive returns the channel of inbound messages.
	// The channel should be buffered to prevent message loss.
	Receive() <-chan Envelope
}

// Keystore signs on behalf of the local validator. It never exposes secret
// key material. The engine only reaches it through a SafeSigner.
type Keystore interface {
	ProducerPublicKey() *crypto.Ed25519PublicKey
	VotingPublicKey() *crypto.BLSPublicKey

	// SignProducer signs a micro block header hash with the Ed25519 key.
	SignProducer(msg []byte) ([]byte, error)

	// SignVoting signs votes and proposals with the BLS key.
	SignVoting(msg []byte) ([]byte, error)

	// ProveVRF evaluates the VRF on input with the BLS key.
	ProveVRF(input []byte) (Seed, []byte, error)
}

// Elector decides the validator set of the next epoch. Proposers call it to
// fill a macro header and validators call it to check one, so it must be
// deterministic in (epoch, stateRoot).
type Elector interface {
	Elect(ctx context.Context, epoch uint32, stateRoot Hash) ([]Validator, error)
}

// StaticElector carries a fixed validator set from epoch to epoch.
type StaticElector struct {
	Validators []Validator
}

// Elect returns the fixed set.
func (e StaticElector) Elect(_ context.Context, _ uint32, _ Hash) ([]Validator, error) {
	out := make([]Validator, len(e.Validators))
	copy(out, e.Validators)
	return out, nil
}

// Clock provides wall-clock time. Slots and timestamps are derived from it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Hooks provides callbacks for consensus events.
// All callbacks are optional - nil callbacks are safely ignored.
// Callbacks are invoked synchronously from the engine's main loop, so
// implementations should be fast or dispatch to a goroutine.
type Hooks struct {
	// OnBlock is called when a micro block joins the fork set.
	OnBlock func(block *MicroBlock)

	// OnRejected is called when a block fails validation.
	OnRejected func(hash Hash, err error)

	// OnCommit is called when a macro block is finalized.
	OnCommit func(block *MacroBlock)

	// OnViewChange is called when a finality round times out.
	OnViewChange func(height, oldRound, newRound uint32)

	// OnEvidence is called once per new piece of equivocation evidence.
	OnEvidence func(ev Evidence)

	// OnSafetyViolation is called when two different macro blocks are
	// committed at one height. The engine stops right after.
	OnSafetyViolation func(err error)
}

// millis converts t to milliseconds since the Unix epoch.
func millis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}
