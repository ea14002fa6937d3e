package services

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these; the concrete *Error carries the
// message shown to the caller.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrEscrowShortfall   = errors.New("escrow shortfall")
	ErrSelfDealing       = errors.New("cannot assign a task to your own agent")
)

// Error is a caller-facing failure with a human-readable reason.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func newErr(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...any) error { return newErr(ErrValidation, format, args...) }

func notFoundf(format string, args ...any) error { return newErr(ErrNotFound, format, args...) }

func forbiddenf(format string, args ...any) error { return newErr(ErrForbidden, format, args...) }

func conflictf(format string, args ...any) error { return newErr(ErrConflict, format, args...) }

// Message returns the caller-facing text for err, or "" for internal errors.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	switch {
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrSelfDealing),
		errors.Is(err, ErrValidation), errors.Is(err, ErrConflict),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden),
		errors.Is(err, ErrUnauthorized):
		return err.Error()
	}
	return ""
}
