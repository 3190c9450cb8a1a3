// Package errkind classifies gateway failures into the wire-visible error
// taxonomy of spec.md §7, grounded on the teacher's habit
// (internal/app/httpapi/errors.go) of tagging errors with a short string
// category rather than a bespoke type per failure.
package errkind

import (
	"errors"
	"fmt"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
)

// Kind is a classified gateway error tag.
type Kind = execution.ErrorCategory

// Re-exported for call sites that only need the taxonomy, not the whole
// execution package.
const (
	Transformation = execution.ErrTransformation
	Auth           = execution.ErrAuth
	Network        = execution.ErrNetwork
	HTTPClient     = execution.ErrHTTPClient
	HTTPTransient  = execution.ErrHTTPTransient
	CircuitOpen    = execution.ErrCircuitOpen
	URLPolicy      = execution.ErrURLPolicy
	Config         = execution.ErrConfig
	Timeout        = execution.ErrTimeout
)

// Error wraps an underlying error with its classification so downstream
// retry/alert/log code can branch on Kind without re-deriving it.
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

// New wraps err with kind. A nil err still produces a usable *Error so
// callers can use errkind for skip/terminal reasons with no underlying Go
// error (e.g. CIRCUIT_OPEN).
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Newf is New with a formatted message and no wrapped error.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Classify extracts the Kind from err if it (or something it wraps) is an
// *Error, defaulting to INTERNAL-style NETWORK_ERROR classification for
// anything unrecognized so the retry manager still has a decision to make.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Network
}

// Retryable reports whether the Retry & DLQ Manager should schedule another
// attempt for err (spec.md §7 propagation policy).
func Retryable(err error) bool {
	return Classify(err).Retryable()
}

// HTTPStatus maps a Kind to the wire-visible HTTP status of spec.md §6.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Auth:
		return 401
	case HTTPClient, Config:
		return 400
	case URLPolicy:
		return 403
	case HTTPTransient:
		return 429
	case Timeout:
		return 503
	default:
		return 500
	}
}
