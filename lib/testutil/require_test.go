// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// recordingT captures Fatalf without stopping the calling goroutine.
type recordingT struct {
	message string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Fatalf(format string, args ...any) {
	r.message = fmt.Sprintf(format, args...)
	panic(r)
}

func captureFatal(run func(r *recordingT)) (message string) {
	r := &recordingT{}
	defer func() {
		if recovered := recover(); recovered != nil && recovered != r {
			panic(recovered)
		}
		message = r.message
	}()
	run(r)
	return ""
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := RequireReceive(t, ch, time.Second, "buffered value"); got != 7 {
		t.Errorf("RequireReceive = %d, want 7", got)
	}

	message := captureFatal(func(r *recordingT) {
		RequireReceive(r, make(chan int), time.Millisecond, "waiting for %s", "nothing")
	})
	if !strings.Contains(message, "waiting for nothing") {
		t.Errorf("timeout message = %q", message)
	}

	closed := make(chan int)
	close(closed)
	message = captureFatal(func(r *recordingT) {
		RequireReceive(r, closed, time.Second, "closed channel")
	})
	if !strings.Contains(message, "channel closed") {
		t.Errorf("closed message = %q", message)
	}
}

func TestRequireSendAndClosed(t *testing.T) {
	ch := make(chan string, 1)
	RequireSend(t, ch, "hello", time.Second, "send")
	if got := <-ch; got != "hello" {
		t.Errorf("received %q", got)
	}

	done := make(chan struct{})
	close(done)
	RequireClosed(t, done, time.Second, "already closed")

	message := captureFatal(func(r *recordingT) {
		RequireClosed(r, make(chan struct{}), time.Millisecond, "never closed")
	})
	if !strings.Contains(message, "never closed") {
		t.Errorf("timeout message = %q", message)
	}
}

func TestUniqueID(t *testing.T) {
	first := UniqueID("txn")
	second := UniqueID("txn")
	if first == second {
		t.Errorf("UniqueID returned %q twice", first)
	}
	if !strings.HasPrefix(first, "txn-") {
		t.Errorf("UniqueID = %q, want txn- prefix", first)
	}
}
