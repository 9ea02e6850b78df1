package domain

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindValidation   Kind = "validation"
	KindInternal     Kind = "internal"
)

// Error carries a machine readable Kind next to a human message.
// errors.Is matches any two Errors of the same Kind, so callers compare
// against the sentinels below.
type Error struct {
	Kind       Kind
	Message    string
	Err        error
	RetryAfter time.Duration
}

var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Message: "invalid vehicle credential"}
	ErrRateLimited  = &Error{Kind: KindRateLimited, Message: "rate limit exceeded"}
	ErrNotFound     = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict     = &Error{Kind: KindConflict, Message: "conflict"}
	ErrValidation   = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrInternal     = &Error{Kind: KindInternal, Message: "internal error"}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf reports the Kind of the first *Error in err's chain, or
// KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the human message of the first *Error in err's chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrInternal.Message
}

// Retryable reports whether the same request may succeed later without
// being changed: rate limits and internal failures.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindInternal:
		return true
	}
	return false
}

// RetryAfterOf returns the retry hint of the first *Error in err's chain.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
