// Package orcherr defines the error kinds named in the system's error
// handling design so callers can branch on kind with errors.Is/errors.As
// instead of matching error strings.
package orcherr

import "errors"

// Kind is one of the six named error kinds.
type Kind string

const (
	KindTransientOracle    Kind = "transient_oracle"
	KindPermanentOracle    Kind = "permanent_oracle"
	KindCacheCorruption    Kind = "cache_corruption"
	KindQueueFull          Kind = "queue_full"
	KindBudgetExhausted    Kind = "budget_exhausted"
	KindInvariantViolation Kind = "invariant_violation"
)

// Error wraps an underlying cause with a Kind so it can be classified by
// the Orchestrator's propagation policy.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with the given kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Invariant builds an InvariantViolation error — always fatal to the
// island process per the error handling design; it must never be
// swallowed by a caller.
func Invariant(msg string) *Error {
	return New(KindInvariantViolation, errors.New(msg))
}
