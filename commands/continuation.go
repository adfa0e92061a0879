// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"

	"github.com/bureau-foundation/tgbridge/session"
)

// Step identifies what the next message of a user in the middle of a
// multi-step command is expected to contain.
type Step int

const (
	// StepPhoneOrToken expects a phone number or a bot token.
	StepPhoneOrToken Step = iota + 1

	// StepCode expects the login code Telegram sent.
	StepCode

	// StepPassword expects the two-factor password.
	StepPassword

	// StepRegistrationCode expects the code for a new registration.
	StepRegistrationCode

	// StepMatrixToken expects a Matrix access token.
	StepMatrixToken
)

func (s Step) String() string {
	switch s {
	case StepPhoneOrToken:
		return "phone-or-token"
	case StepCode:
		return "code"
	case StepPassword:
		return "password"
	case StepRegistrationCode:
		return "registration-code"
	case StepMatrixToken:
		return "matrix-token"
	default:
		return "unknown"
	}
}

// Payload carries what earlier steps collected.
type Payload struct {
	Phone     string
	FirstName string
	LastName  string
}

// Continuation is the pending state of a multi-step command.
type Continuation struct {
	Step Step

	// Action names the command for "Login cancelled."-style replies.
	Action  string
	Payload Payload
}

// PendingAction implements [session.Pending].
func (c *Continuation) PendingAction() string { return c.Action }

var _ session.Pending = (*Continuation)(nil)

// stepFunc handles the message that answers a continuation. The
// request's pending field holds the continuation being answered.
type stepFunc func(ctx context.Context, r *request)

var steps = map[Step]stepFunc{
	StepPhoneOrToken:     stepPhoneOrToken,
	StepCode:             stepCode,
	StepPassword:         stepPassword,
	StepRegistrationCode: stepRegistrationCode,
	StepMatrixToken:      stepMatrixToken,
}

// takePending takes the user's continuation. A *Continuation of
// another kind, or none, returns nil.
func takePending(user *session.Session) *Continuation {
	pending, _ := user.TakePending().(*Continuation)
	return pending
}

// answer makes r answer a continuation at step when it was invoked as
// an explicit command such as "enter-code". The user's continuation is
// taken only when it is at step. The phone-or-token step carries no
// earlier state, so a fresh continuation stands in for a missing one;
// any other step without its continuation is refused, leaving whatever
// is pending armed, and answer returns false.
func (r *request) answer(ctx context.Context, step Step, action string) bool {
	if r.pending != nil && r.pending.Step == step {
		return true
	}
	pending, _ := r.user.TakePendingIf(func(pending session.Pending) bool {
		continuation, ok := pending.(*Continuation)
		return ok && continuation.Step == step
	}).(*Continuation)
	if pending == nil {
		if step != StepPhoneOrToken {
			r.reply(ctx, "No ongoing login. Start with `$cmdprefix+sp login`.")
			return false
		}
		pending = &Continuation{Step: step, Action: action}
	}
	r.pending = pending
	return true
}

// rearm puts the continuation r answered back on the session.
func (r *request) rearm() {
	if r.pending != nil {
		r.user.SetPending(r.pending)
	}
}
