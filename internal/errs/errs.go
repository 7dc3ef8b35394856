// Package errs defines the failure kinds returned by the marketplace and the token issuer.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure.
type Kind int

const (
	KindUnknown Kind = iota
	Unauthorized
	Forbidden
	InsufficientPayment
	NotFound
	AlreadyMinted
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "Unauthorized"
	case Forbidden:
		return "Forbidden"
	case InsufficientPayment:
		return "InsufficientPayment"
	case NotFound:
		return "NotFound"
	case AlreadyMinted:
		return "AlreadyMinted"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Error is a domain failure with a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
}

// New creates an Error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf creates an Error with a formatted reason.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is matches any *Error of the same kind, so errors.Is(err, errs.New(errs.NotFound, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ReasonOf returns the reason of the first *Error in err's chain, or err.Error().
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}
