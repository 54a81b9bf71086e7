package timesheet

import (
	"errors"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
)

// Kind classifies an error for callers and the HTTP layer.
type Kind string

const (
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindStorage       Kind = "storage"
)

// Error is a classified tracking error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Conflictf reports a transition that the user's current state forbids.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf reports a missing session, break or user state.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Validationf reports malformed input.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Forbiddenf reports an action the caller is not permitted to take.
func Forbiddenf(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// storageError wraps a backend failure. The message stays generic; the
// cause is kept for logs.
func storageError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Message: "storage failure", Err: fmt.Errorf("%s: %w", op, err)}
}

// KindOf classifies err. Unclassified errors are storage failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, storage.ErrNotFound) {
		return KindNotFound
	}
	return KindStorage
}

// Is reports whether err is a tracking error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
