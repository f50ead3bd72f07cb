package oip

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions: transient
// kinds are retried inside the component that raised them, schema and
// access kinds travel to the caller as structured results, and Fatal
// terminates the process.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadRequest
	KindInvalidSignature
	KindUnknownTemplate
	KindTypeMismatch
	KindUnknownField
	KindTransientIO
	KindAccessDenied
	KindMemoryPressure
	KindFatal
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindUnknownTemplate:
		return "unknown_template"
	case KindTypeMismatch:
		return "type_mismatch"
	case KindUnknownField:
		return "unknown_field"
	case KindTransientIO:
		return "transient_io"
	case KindAccessDenied:
		return "access_denied"
	case KindMemoryPressure:
		return "memory_pressure"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the structured error carried across component boundaries.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. Args may contain a message string and/or a wrapped error.
func E(kind Kind, op string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Op: op}
	for _, a := range args {
		switch v := a.(type) {
		case string:
			e.Msg = v
		case error:
			e.Err = v
		}
	}
	return e
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Errors that carry no Kind report KindUnknown.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Transient reports whether err should be retried by the component
// that observed it.
func Transient(err error) bool {
	return IsKind(err, KindTransientIO)
}
