// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"strings"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/puppet"
)

const alreadyMatrixLogin = "You have already logged in with your Matrix account. " +
	"Log out with `$cmdprefix+sp logout-matrix` first."

// ownPuppet returns the puppet of the Telegram account r's user is
// logged in as, replying and returning nil when it cannot be loaded.
func (r *request) ownPuppet(ctx context.Context) *puppet.Puppet {
	own, err := r.processor.registry.Get(ctx, r.user.TelegramID(), true)
	if err != nil || own == nil {
		r.logger.Error("failed to load own puppet", "telegram_id", r.user.TelegramID(), "error", err)
		r.reply(ctx, "Failed to load your Telegram account's Matrix puppet.")
		return nil
	}
	return own
}

func handleLoginMatrix(ctx context.Context, r *request) {
	own := r.ownPuppet(ctx)
	if own == nil {
		return
	}
	if own.IsRealUser() {
		r.reply(ctx, alreadyMatrixLogin)
		return
	}
	if !r.processor.allowMatrixLogin {
		r.reply(ctx, "This bridge instance has been configured to not allow logging in.")
		return
	}
	r.user.SetPending(&Continuation{Step: StepMatrixToken, Action: "Matrix login"})
	r.reply(ctx, "Please send your Matrix access token here to log in.")
}

// stepMatrixToken makes the user's own puppet act as their real Matrix
// account using the access token they sent. Only the sender's own
// account is accepted.
func stepMatrixToken(ctx context.Context, r *request) {
	if !r.processor.allowMatrixLogin {
		r.reply(ctx, matrixLoginDisabled)
		return
	}
	own := r.ownPuppet(ctx)
	if own == nil {
		return
	}
	if own.IsRealUser() {
		r.reply(ctx, alreadyMatrixLogin)
		return
	}
	err := own.SwitchMXID(ctx, strings.Join(r.args, " "), r.user.MXID())
	switch {
	case errors.Is(err, puppet.ErrOnlyLoginSelf):
		r.reply(ctx, "You can only log in as your own Matrix user.")
	case errors.Is(err, puppet.ErrInvalidAccessToken):
		r.reply(ctx, "Failed to verify access token.")
	case err != nil:
		r.logger.Error("failed to switch puppet to matrix account", "error", err)
		r.reply(ctx, "Unhandled error while logging in with your Matrix account. "+
			"Check the bridge logs for more details.")
	default:
		r.reply(ctx, "Replaced your Telegram account's Matrix puppet with %s.", own.CustomMXID())
	}
}

func handleLogoutMatrix(ctx context.Context, r *request) {
	own := r.ownPuppet(ctx)
	if own == nil {
		return
	}
	if !own.IsRealUser() {
		r.reply(ctx, "You are not logged in with your Matrix account.")
		return
	}
	if err := own.SwitchMXID(ctx, "", ref.UserID{}); err != nil {
		r.logger.Error("failed to revert puppet to default account", "error", err)
		r.reply(ctx, "Failed to revert your Telegram account's Matrix puppet.")
		return
	}
	r.reply(ctx, "Reverted your Telegram account's Matrix puppet back to the default.")
}
