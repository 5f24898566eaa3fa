package core

import (
	"errors"
	"fmt"
)

// Error kinds, matchable with errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("persistence error")
	// ErrConflict is reserved for optimistic-concurrency failures. Callers do not
	// distinguish it yet, so a conflict also matches ErrPersistence.
	ErrConflict = errors.New("conflict")
)

// Error carries the failing operation and its kind.
type Error struct {
	Op      string // e.g. "AddXP", "Unlock"
	Kind    error  // one of the Err* kinds
	Message string
	Err     error // underlying cause (optional)
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind; the underlying cause is reached through Unwrap.
func (e *Error) Is(target error) bool {
	if e.Kind == nil {
		return false
	}
	if e.Kind == target {
		return true
	}
	return e.Kind == ErrConflict && target == ErrPersistence
}

// Validation reports rejected input. It is raised before any store call.
func Validation(op, format string, args ...any) error {
	return &Error{Op: op, Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing record.
func NotFound(op, message string, err error) error {
	return &Error{Op: op, Kind: ErrNotFound, Message: message, Err: err}
}

// Persistence reports an unreachable store or a rejected write.
func Persistence(op string, err error) error {
	return &Error{Op: op, Kind: ErrPersistence, Message: "store failure", Err: err}
}

// Conflict reports a write that lost an optimistic-concurrency race.
func Conflict(op string, err error) error {
	return &Error{Op: op, Kind: ErrConflict, Message: "concurrent modification", Err: err}
}

// KindOf returns the kind of err, or nil when err is not a classified error.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
