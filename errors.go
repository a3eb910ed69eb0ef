package albatross

import (
	"errors"
	"fmt"
)

// Error classes for consensus operations.
// These represent categories of errors that integrators can handle uniformly.
// Use errors.Is() to check error class, then the specific sentinel for details.
//
// Error Classification:
//   - ErrConfig: Hard configuration errors - must fix and restart
//   - ErrInvalidMessage: Malformed or invalid messages from peers - log and ignore
//   - ErrByzantine: Provable misbehavior by a peer - drop the contribution, may warrant penalties
//   - ErrInternal: Internal invariant violations - indicates bugs, corruption or a broken collaborator
var (
	// ErrConfig indicates a configuration error that prevents startup.
	// Examples: missing collaborator, empty validator set, zero total weight.
	ErrConfig = errors.New("configuration error")

	// ErrInvalidMessage indicates a malformed or invalid message was received.
	// These are soft errors - the message is dropped but consensus continues.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrByzantine indicates behavior only a faulty or malicious peer produces.
	// Examples: bad signatures, wrong leader, state roots that do not replay.
	ErrByzantine = errors.New("byzantine behavior detected")

	// ErrInternal indicates an internal invariant violation.
	ErrInternal = errors.New("internal error")
)

// Specific errors. Each wraps one of the classes above, so both
// errors.Is(err, ErrInvalidLeader) and errors.Is(err, ErrByzantine) hold.
var (
	// ErrInvalidSignature indicates a producer, vote, proposal or aggregate
	// signature did not verify.
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrByzantine)

	// ErrInvalidLeader indicates a block whose producer is not the slot
	// leader or whose VRF seed proof does not verify.
	ErrInvalidLeader = fmt.Errorf("%w: invalid leader", ErrByzantine)

	// ErrStateMismatch indicates the replayed state root differs from the claim.
	ErrStateMismatch = fmt.Errorf("%w: state root mismatch", ErrByzantine)

	// ErrInvalidBlock indicates a block that breaks height, slot, epoch or
	// timestamp progression.
	ErrInvalidBlock = fmt.Errorf("%w: invalid block", ErrByzantine)

	// ErrEquivocation indicates a validator signed two conflicting messages
	// for the same slot or the same (height, round, step).
	ErrEquivocation = fmt.Errorf("%w: equivocation", ErrByzantine)

	// ErrInsufficientVotingPower indicates an aggregate below the quorum threshold.
	ErrInsufficientVotingPower = fmt.Errorf("%w: insufficient voting power", ErrInvalidMessage)

	// ErrDuplicateSigner indicates a signer appears twice in an aggregation.
	ErrDuplicateSigner = fmt.Errorf("%w: duplicate signer", ErrInvalidMessage)

	// ErrMalformedBitmap indicates an empty signer bitmap or one that
	// references a validator index outside the set.
	ErrMalformedBitmap = fmt.Errorf("%w: malformed signer bitmap", ErrInvalidMessage)

	// ErrMalformedMessage indicates a wire decode or structural failure.
	ErrMalformedMessage = fmt.Errorf("%w: malformed message", ErrInvalidMessage)

	// ErrUnknownParent indicates a block whose parent is not in the fork set.
	ErrUnknownParent = fmt.Errorf("%w: unknown parent", ErrInvalidMessage)

	// ErrFinalizedConflict indicates a block at or below the finalized height.
	ErrFinalizedConflict = fmt.Errorf("%w: conflicts with finalized history", ErrInvalidMessage)

	// ErrStaleRound indicates a vote for a round that was already discarded.
	ErrStaleRound = fmt.Errorf("%w: stale round", ErrInvalidMessage)

	// ErrInvalidTransition is returned by StateStore implementations when a
	// transaction batch cannot be applied. It rejects the block.
	ErrInvalidTransition = fmt.Errorf("%w: invalid state transition", ErrInvalidMessage)

	// ErrStateUnavailable wraps any other StateStore failure. Consecutive
	// failures beyond Config.MaxStateFailures are fatal.
	ErrStateUnavailable = fmt.Errorf("%w: state store failure", ErrInternal)

	// ErrSafetyViolation indicates two different committed macro blocks at
	// one height. It halts signing and stops the engine.
	ErrSafetyViolation = fmt.Errorf("%w: safety violation", ErrInternal)
)

// Local signing and flow errors. These are not peer faults.
var (
	// ErrRoundTimeout marks an expired round. It triggers a view change and
	// is never surfaced to the operator.
	ErrRoundTimeout = errors.New("round timeout")

	// ErrConflictingVote indicates the local signer refused to sign a message
	// that conflicts with or regresses from one it already signed.
	ErrConflictingVote = errors.New("conflicting vote refused")

	// ErrSignerHalted indicates the signer was halted after a safety violation.
	ErrSignerHalted = errors.New("signer halted")

	// ErrNotLeader indicates the local validator does not lead the slot.
	ErrNotLeader = errors.New("not slot leader")
)

// Unexported helpers to wrap errors with the appropriate class.

func wrapConfig(msg string) error {
	return fmt.Errorf("%w: %s", ErrConfig, msg)
}

func wrapConfigf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func wrapInvalidMessage(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, msg)
}

func wrapMalformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

func wrapf(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

func wrapInternal(msg string) error {
	return fmt.Errorf("%w: %s", ErrInternal, msg)
}
