// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: Unhandled},
		{name: "plain", err: io.EOF, want: Unhandled},
		{name: "credential", err: Credentialf("wrong code"), want: Credential},
		{name: "wrapped validation", err: fmt.Errorf("login: %w", Validationf("expired")), want: Validation},
		{name: "conflict", err: Conflictf("occupied"), want: Conflict},
		{name: "rate limited", err: RateLimited(time.Minute, io.EOF), want: Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestWrapPreservesChain(t *testing.T) {
	err := fmt.Errorf("send code: %w", Wrap(Transient, io.ErrUnexpectedEOF))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("errors.Is lost the underlying error")
	}
	if err.Error() != "send code: unexpected EOF" {
		t.Errorf("Error() = %q", err.Error())
	}
	if Wrap(Transient, nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := fmt.Errorf("sign in: %w", RateLimited(42*time.Second, io.EOF))
	if got := RetryAfterOf(err); got != 42*time.Second {
		t.Errorf("RetryAfterOf() = %s, want 42s", got)
	}
	if got := RetryAfterOf(io.EOF); got != 0 {
		t.Errorf("RetryAfterOf(plain) = %s, want 0", got)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(RateLimited(time.Second, io.EOF)) {
		t.Error("transient should be retryable")
	}
	if !Retryable(Credentialf("bad password")) {
		t.Error("credential should be retryable")
	}
	if Retryable(Validationf("expired")) {
		t.Error("validation should not be retryable")
	}
	if Retryable(io.EOF) {
		t.Error("unclassified should not be retryable")
	}
}
