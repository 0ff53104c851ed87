// Package apperr defines the error kinds surfaced by the reallocation engine.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindResourceUnavailable Kind = "RESOURCE_UNAVAILABLE"
	KindInvalidState        Kind = "INVALID_STATE"
	KindValidation          Kind = "VALIDATION_ERROR"
	KindNotification        Kind = "NOTIFICATION_FAILURE"
	KindInternal            Kind = "INTERNAL"
)

// Sentinels for errors.Is checks.
var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrResourceUnavailable = &Error{Kind: KindResourceUnavailable}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotification        = &Error{Kind: KindNotification}
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so wrapped errors compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error { return newf(KindNotFound, format, args...) }

func ResourceUnavailable(format string, args ...any) error {
	return newf(KindResourceUnavailable, format, args...)
}

func InvalidState(format string, args ...any) error {
	return newf(KindInvalidState, format, args...)
}

func Validation(format string, args ...any) error { return newf(KindValidation, format, args...) }

func Notification(err error, format string, args ...any) error {
	e := newf(KindNotification, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err, KindInternal when it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
