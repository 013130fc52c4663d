package gc

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/stategc/pkg/node"
)

// ErrorCode classifies GC failures. Callers decide retry and exit behavior
// from the code, never from the message.
type ErrorCode int

const (
	// ErrIO is a store failure. It aborts the current phase without
	// advancing it; the phase is retried as a whole.
	ErrIO ErrorCode = iota + 1

	// ErrCorruptNode means stored bytes failed to decode. It is fatal to a
	// mark pass: the node is never treated as absent.
	ErrCorruptNode

	// ErrSafetyViolation means the database is in use by another process.
	ErrSafetyViolation

	// ErrLockTimeout means the snapshot lock was not released in time.
	// Retriable by the caller.
	ErrLockTimeout

	// ErrConfigInvalid is raised at construction time.
	ErrConfigInvalid
)

func (c ErrorCode) String() string {
	switch c {
	case ErrIO:
		return "IoError"
	case ErrCorruptNode:
		return "CorruptNode"
	case ErrSafetyViolation:
		return "SafetyViolation"
	case ErrLockTimeout:
		return "LockTimeout"
	case ErrConfigInvalid:
		return "ConfigInvalid"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is a classified GC error.
type Error struct {
	Code    ErrorCode
	Message string
	Hash    *node.Hash // node involved, if any
	Err     error      // underlying cause
}

func (e *Error) Error() string {
	msg := e.Code.String() + ": " + e.Message
	if e.Hash != nil {
		msg += " (node " + e.Hash.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c})
// works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

func NewIOError(msg string, err error) *Error {
	return &Error{Code: ErrIO, Message: msg, Err: err}
}

func NewCorruptNodeError(h node.Hash, err error) *Error {
	return &Error{Code: ErrCorruptNode, Message: "node failed to decode", Hash: &h, Err: err}
}

func NewSafetyViolationError(msg string) *Error {
	return &Error{Code: ErrSafetyViolation, Message: msg}
}

func NewLockTimeoutError(msg string) *Error {
	return &Error{Code: ErrLockTimeout, Message: msg}
}

func NewConfigInvalidError(msg string) *Error {
	return &Error{Code: ErrConfigInvalid, Message: msg}
}

// CodeOf returns the code of the first *Error in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// Retriable reports whether the caller may simply try again later.
func Retriable(err error) bool {
	switch CodeOf(err) {
	case ErrIO, ErrLockTimeout:
		return true
	}
	return false
}

// ioErr wraps a store failure unless it is already classified or a
// cancellation.
func ioErr(msg string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewIOError(msg, err)
}
