// Package mcperrors defines the error taxonomy surfaced through the task
// record's error.kind field and mapped to coordinator API status codes.
package mcperrors

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// Internal is the zero value; never intentionally returned.
	Internal Kind = iota
	InvalidInput
	NotFound
	Conflict
	BrokerUnavailable
	StoreUnavailable
	StageTimeout
	StageFailed
	Aborted
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case BrokerUnavailable:
		return "BrokerUnavailable"
	case StoreUnavailable:
		return "StoreUnavailable"
	case StageTimeout:
		return "StageTimeout"
	case StageFailed:
		return "StageFailed"
	case Aborted:
		return "Aborted"
	default:
		return "Internal"
	}
}

// Error wraps an underlying cause with a Kind for taxonomy-aware handling.
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

// New constructs a Kind-classified error, wrapping err if non-nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for New with a %w-style message.
func Wrap(kind Kind, op, msg string, err error) *Error {
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	return New(kind, op, err)
}

// KindOf extracts the Kind from err, defaulting to Internal if err is not
// (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Invalid(op string, err error) *Error            { return New(InvalidInput, op, err) }
func NotFoundErr(op string, err error) *Error         { return New(NotFound, op, err) }
func ConflictErr(op string, err error) *Error         { return New(Conflict, op, err) }
func BrokerDown(op string, err error) *Error          { return New(BrokerUnavailable, op, err) }
func StoreDown(op string, err error) *Error           { return New(StoreUnavailable, op, err) }
func Timeout(op string, err error) *Error             { return New(StageTimeout, op, err) }
func StageFailure(op string, err error) *Error        { return New(StageFailed, op, err) }
func AbortedErr(op string, err error) *Error          { return New(Aborted, op, err) }
