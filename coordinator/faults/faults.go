// Package faults defines the error taxonomy shared by every layer of the
// coordinator. Handlers map a Kind to an HTTP status, the scheduler uses it
// to decide between redelivery and completion.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The set is closed; anything unclassified is
// Internal.
type Kind int

const (
	Internal Kind = iota
	Unauthorized
	Forbidden
	NotFound
	Validation
	Conflict
	RateLimited
	Transient
)

func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	default:
		return "internal"
	}
}

// Fault is an error carrying a Kind. Use errors.As or KindOf to recover the
// classification through wrap chains.
type Fault struct {
	kind Kind
	msg  string
	err  error
}

func (f *Fault) Error() string {
	if f.err != nil {
		return f.msg + ": " + f.err.Error()
	}
	return f.msg
}

func (f *Fault) Unwrap() error { return f.err }

// Kind returns the classification of this fault.
func (f *Fault) Kind() Kind { return f.kind }

// New creates a fault with the given kind and message.
func New(kind Kind, msg string) error {
	return &Fault{kind: kind, msg: msg}
}

// Errorf creates a fault with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Fault{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Fault{kind: kind, msg: msg, err: err}
}

// KindOf returns the kind of err. Unclassified errors are Internal; the
// outermost Fault in the chain wins, so wrapping with a new kind
// reclassifies deliberately.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind onto its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Validation:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
