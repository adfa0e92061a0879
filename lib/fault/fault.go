// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fault classifies errors from the Telegram and Matrix sides so
// that callers can decide between retrying, asking the user for new
// input, and giving up, without matching on message text.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	// Transient is a temporary failure: rate limiting, network errors,
	// server hiccups. RetryAfter carries the wait when the remote side
	// named one.
	Transient Kind = "transient"

	// Credential is a rejected secret the user supplied: a wrong login
	// code, a wrong password, an invalid bot or access token. The user
	// may be asked again.
	Credential Kind = "credential"

	// Validation is malformed or unacceptable input that retrying will
	// not fix: an expired code, an invalid name, a banned number.
	Validation Kind = "validation"

	// Conflict is a collision with existing remote state: a number or
	// username that is already taken, a username that did not change.
	Conflict Kind = "conflict"

	// Unhandled is everything the classifier does not recognize.
	Unhandled Kind = "unhandled"
)

// Error is a classified error. It wraps the underlying error so the full
// chain stays inspectable with errors.Is and errors.As.
type Error struct {
	Kind Kind
	Err  error

	// RetryAfter is the wait requested by the remote side. Zero when
	// none was given.
	RetryAfter time.Duration
}

// Error returns the underlying error message. The kind travels
// separately.
func (e *Error) Error() string { return e.Err.Error() }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err as kind. Returns nil for a nil err.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// RateLimited creates a transient error carrying the remote wait.
func RateLimited(wait time.Duration, err error) *Error {
	return &Error{Kind: Transient, Err: err, RetryAfter: wait}
}

// Credentialf creates a credential error.
func Credentialf(format string, args ...any) *Error {
	return &Error{Kind: Credential, Err: fmt.Errorf(format, args...)}
}

// Validationf creates a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: Validation, Err: fmt.Errorf(format, args...)}
}

// Conflictf creates a conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: Conflict, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// Unhandled when there is none.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return Unhandled
}

// RetryAfterOf returns the remote wait carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.RetryAfter
	}
	return 0
}

// Retryable reports whether the same request may succeed later, either
// after a wait or with different user input.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, Credential:
		return true
	default:
		return false
	}
}
