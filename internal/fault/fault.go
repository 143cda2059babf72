// Package fault defines the error kinds shared by the billing packages.
//
// Packages declare their own sentinel errors wrapping one of these kinds, so
// callers can branch on the kind with errors.Is without knowing the package.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input. Nothing was mutated.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a reference to a call, account or operation that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate marks an external operation that was already applied.
	ErrDuplicate = errors.New("already processed")
	// ErrProvider marks a non-success answer from a payment or voice provider.
	ErrProvider = errors.New("provider error")
	// ErrInvariant marks a mutation that would break a ledger invariant.
	ErrInvariant = errors.New("invariant violation")
	// ErrConflict marks an optimistic-concurrency conflict that outlived its retries.
	ErrConflict = errors.New("concurrent modification")
	// ErrDenied marks a usage request refused for lack of quota or credit.
	ErrDenied = errors.New("usage denied")
)

// Error attaches an operation and subject to a kind.
type Error struct {
	Op      string
	Subject string
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	prefix := e.Op
	if e.Subject != "" {
		prefix += " " + e.Subject
	}
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", prefix, e.Kind)
	case e.Kind == nil || errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", prefix, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap returns an *Error, or nil when both kind and err are nil.
func Wrap(op, subject string, kind, err error) error {
	if kind == nil && err == nil {
		return nil
	}
	return &Error{Op: op, Subject: subject, Kind: kind, Err: err}
}

// Validation is shorthand for a validation error with a message.
func Validation(op, msg string) error {
	return &Error{Op: op, Kind: ErrValidation, Err: errors.New(msg)}
}

// Provider wraps a provider-side failure.
func Provider(op, subject string, err error) error {
	return Wrap(op, subject, ErrProvider, err)
}

// KindOf returns the first taxonomy kind err matches, or nil.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrNotFound, ErrDuplicate, ErrDenied, ErrProvider, ErrConflict, ErrInvariant} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
