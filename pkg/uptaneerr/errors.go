// Package uptaneerr defines the error-kind taxonomy shared across the
// verification, storage, fetch, and orchestration packages. Every fallible
// operation in this module returns one of these kinds wrapped around its
// underlying cause, rather than an ad-hoc error string, so callers can
// branch on `errors.Is`/`errors.As` without string matching.
package uptaneerr

import "fmt"

// Kind identifies a class of failure.
type Kind string

// Error lets a Kind be passed as the target of errors.Is.
func (k Kind) Error() string { return string(k) }

const (
	BadSignatures      Kind = "bad_signatures"
	UnmetThreshold     Kind = "unmet_threshold"
	IllegalThreshold   Kind = "illegal_threshold"
	ExpiredMetadata    Kind = "expired_metadata"
	RollbackAttack     Kind = "rollback_attack"
	InvariantViolation Kind = "invariant_violation"
	HardwareMismatch   Kind = "hardware_mismatch"
	MismatchedTargets  Kind = "mismatched_targets"
	MissingRepo        Kind = "missing_repo"
	StorageIO          Kind = "storage_io"
	TransportError     Kind = "transport_error"
	TooLarge           Kind = "too_large"
	InstallFailed      Kind = "install_failed"
	ValidationFailed   Kind = "validation_failed"
)

// Error wraps an underlying cause with a Kind, preserving %w-compatible
// unwrapping.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind for operation op, wrapping err
// (which may be nil).
func New(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether target names the same Kind, so `errors.Is(err,
// uptaneerr.BadSignatures)` works by comparing the Kind field of the
// chain's first *Error.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	if ok {
		return e.Kind == k
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and reports ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return "", false
}
