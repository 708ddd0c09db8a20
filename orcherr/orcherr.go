// Package orcherr defines the typed error vocabulary shared across the
// orchestrator, mirroring the sentinel-error-plus-errors.Is idiom used
// throughout the teacher's payout processor.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestrator error for callers that need to branch
// on failure category (retry, surface to caller, degrade round, ...).
type Kind string

const (
	KindInvalidConfig              Kind = "InvalidConfig"
	KindSingleRunViolation         Kind = "SingleRunViolation"
	KindLobbyFull                  Kind = "LobbyFull"
	KindLobbyClosed                Kind = "LobbyClosed"
	KindDepositOutOfRange          Kind = "DepositOutOfRange"
	KindAlreadyJoined              Kind = "AlreadyJoined"
	KindNotParticipant             Kind = "NotParticipant"
	KindVoteWindowClosed           Kind = "VoteWindowClosed"
	KindDuplicateVote              Kind = "DuplicateVote"
	KindOracleStale                Kind = "OracleStale"
	KindExternalTransient          Kind = "ExternalTransient"
	KindExternalPermanent          Kind = "ExternalPermanent"
	KindInsufficientCollateral     Kind = "InsufficientCollateral"
	KindStateInvariantViolation    Kind = "StateInvariantViolation"
)

// Error wraps an underlying cause with a Kind so call sites can use
// errors.Is/errors.As without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf constructs an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Is reports whether the first *Error in err's chain has the given
// Kind; an *Error wrapped inside another *Error is not inspected.
func Is(err error, kind Kind) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

// IsTransient reports whether err should be retried by the round controller.
func IsTransient(err error) bool {
	return Is(err, KindExternalTransient)
}
