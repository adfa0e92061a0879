// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/tgbridge/lib/fault"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// errorReply is the answer to one Telegram error. With rearm set the
// continuation being answered is put back so the user can retry.
type errorReply struct {
	text  string
	rearm bool
}

var requestCodeErrors = map[string]errorReply{
	telegram.ErrPhoneNumberAppSignupForbidden: {text: "Your phone number does not allow 3rd party apps to sign in."},
	telegram.ErrPhoneNumberFlood: {text: "Your phone number has been temporarily blocked for flooding. " +
		"The ban is usually applied for around a day."},
	telegram.ErrPhoneNumberBanned: {text: "Your phone number has been banned from Telegram."},
	telegram.ErrPhoneNumberUnoccupied: {text: "That phone number has not been registered. " +
		"Please register with `$cmdprefix+sp register <phone> <full name>`."},
	telegram.ErrPhoneNumberInvalid: {text: "That phone number is not valid. " +
		"Try again with `$cmdprefix+sp login`."},
}

var signInErrors = map[string]errorReply{
	telegram.ErrPhoneCodeExpired:    {text: "Phone code expired. Try again with `$cmdprefix+sp login`."},
	telegram.ErrPhoneCodeInvalid:    {text: "Invalid phone code.", rearm: true},
	telegram.ErrPhoneCodeEmpty:      {text: "Invalid phone code.", rearm: true},
	telegram.ErrPasswordHashInvalid: {text: "Incorrect password.", rearm: true},
	telegram.ErrAccessTokenInvalid:  {text: "That bot token is not valid."},
	telegram.ErrAccessTokenExpired:  {text: "That bot token has expired."},
	telegram.ErrPhoneNumberUnoccupied: {text: "That phone number has not been registered. " +
		"Please register with `$cmdprefix+sp register <phone> <full name>`."},
}

var signUpErrors = map[string]errorReply{
	telegram.ErrPhoneNumberOccupied: {text: "That phone number has already been registered. " +
		"You can log in with `$cmdprefix+sp login`."},
	telegram.ErrFirstNameInvalid: {text: "Invalid name. " +
		"Try again with `$cmdprefix+sp register <phone> <full name>`."},
	telegram.ErrPhoneCodeExpired: {text: "Phone code expired. " +
		"Try again with `$cmdprefix+sp register <phone> <full name>`."},
	telegram.ErrPhoneCodeInvalid: {text: "Invalid phone code.", rearm: true},
	telegram.ErrPhoneCodeEmpty:   {text: "Invalid phone code.", rearm: true},
}

var usernameErrors = map[string]errorReply{
	telegram.ErrUsernameInvalid: {text: "Invalid username. " +
		"Usernames must be between 5 and 30 alphanumeric characters."},
	telegram.ErrUsernameNotModified: {text: "That is your current username."},
	telegram.ErrUsernameOccupied:    {text: "That username is already in use."},
}

// fail reports a Telegram error from operation to the user. Errors
// listed in replies get their canned answer. Otherwise the error's
// fault kind decides: transient errors re-arm the continuation and
// name the wait, anything else leaves it cleared.
func (r *request) fail(ctx context.Context, operation string, err error, replies map[string]errorReply) {
	err = telegram.Classify(err)
	if reply, ok := replies[telegram.RPCErrorName(err)]; ok {
		r.logger.Info("telegram refused command", "operation", operation, "error", err)
		if reply.rearm {
			r.rearm()
		}
		r.reply(ctx, reply.text)
		return
	}

	switch kind := fault.KindOf(err); kind {
	case fault.Transient:
		r.logger.Warn("telegram unavailable", "operation", operation, "error", err)
		r.rearm()
		if wait := fault.RetryAfterOf(err); wait > 0 {
			r.reply(ctx, "Too many requests. Please wait %s before trying again.", r.formatWait(wait))
			return
		}
		r.reply(ctx, "Telegram is temporarily unavailable. Please try again.")
	case fault.Unhandled:
		r.logger.Error("unhandled error in command", "operation", operation, "error", err)
		r.reply(ctx, "Unhandled error while %s. Check the bridge logs for more details.", operation)
	default:
		r.logger.Warn("telegram refused command", "operation", operation, "kind", kind, "error", err)
		name := telegram.RPCErrorName(err)
		if name == "" {
			name = string(kind)
		}
		r.reply(ctx, "Telegram refused the request while %s (`%s`).", operation, name)
	}
}

// formatWait renders wait as "30 seconds", "2 minutes", and so on.
func (r *request) formatWait(wait time.Duration) string {
	now := r.processor.clock.Now()
	return strings.TrimSpace(humanize.RelTime(now, now.Add(wait), "", ""))
}
