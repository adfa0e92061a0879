// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/messaging"
	"github.com/bureau-foundation/tgbridge/telegram"
)

const matrixLoginDisabled = "This bridge instance does not allow in-Matrix login."

func handleLogin(ctx context.Context, r *request) {
	if r.loggedIn(ctx) {
		r.reply(ctx, "You are already logged in as %s.", r.user.HumanID())
		return
	}
	if !r.processor.allowMatrixLogin {
		r.reply(ctx, "This bridge instance has been configured to not allow logging in.")
		return
	}
	r.user.SetPending(&Continuation{Step: StepPhoneOrToken, Action: "Login"})
	r.reply(ctx, "Please send your phone number or bot auth token here to start the login process.")
}

func handleRegister(ctx context.Context, r *request) {
	if r.loggedIn(ctx) {
		r.reply(ctx, "You are already logged in.")
		return
	}
	if !r.processor.allowMatrixLogin {
		r.reply(ctx, matrixLoginDisabled)
		return
	}
	if len(r.args) < 2 {
		r.reply(ctx, "**Usage:** `$cmdprefix+sp register <phone> <full name>`")
		return
	}
	phone := r.args[0]
	firstName, lastName := r.args[1], ""
	if len(r.args) > 2 {
		firstName = strings.Join(r.args[1:len(r.args)-1], " ")
		lastName = r.args[len(r.args)-1]
	}
	r.requestCode(ctx, phone, &Continuation{
		Step:    StepRegistrationCode,
		Action:  "Register",
		Payload: Payload{Phone: phone, FirstName: firstName, LastName: lastName},
	})
}

func handleEnterPhoneOrToken(ctx context.Context, r *request) {
	if len(r.args) == 0 {
		r.reply(ctx, "**Usage:** `$cmdprefix+sp enter-phone-or-token <phone-or-token>`")
		return
	}
	if r.answer(ctx, StepPhoneOrToken, "Login") {
		stepPhoneOrToken(ctx, r)
	}
}

func handleEnterCode(ctx context.Context, r *request) {
	if len(r.args) == 0 {
		r.reply(ctx, "**Usage:** `$cmdprefix+sp enter-code <code>`")
		return
	}
	if r.answer(ctx, StepCode, "Login") {
		stepCode(ctx, r)
	}
}

func handleEnterPassword(ctx context.Context, r *request) {
	if len(r.args) == 0 {
		r.reply(ctx, "**Usage:** `$cmdprefix+sp enter-password <password>`")
		return
	}
	if r.answer(ctx, StepPassword, "Login (password entry)") {
		stepPassword(ctx, r)
	}
}

// stepPhoneOrToken signs in with a bot token or requests a login code
// for a phone number. Phone numbers never contain a colon; bot tokens
// always do, after the bot id.
func stepPhoneOrToken(ctx context.Context, r *request) {
	if !r.processor.allowMatrixLogin {
		r.reply(ctx, matrixLoginDisabled)
		return
	}
	input := r.args[0]
	if strings.Index(input, ":") > 0 {
		r.signIn(ctx, telegram.SignInRequest{BotToken: input})
		return
	}
	r.requestCode(ctx, input, &Continuation{
		Step:    StepCode,
		Action:  "Login",
		Payload: Payload{Phone: input},
	})
}

func stepCode(ctx context.Context, r *request) {
	if !r.processor.allowMatrixLogin {
		r.reply(ctx, matrixLoginDisabled)
		return
	}
	r.signIn(ctx, telegram.SignInRequest{Phone: r.pending.Payload.Phone, Code: r.args[0]})
}

func stepPassword(ctx context.Context, r *request) {
	if !r.processor.allowMatrixLogin {
		r.reply(ctx, matrixLoginDisabled)
		return
	}
	r.signIn(ctx, telegram.SignInRequest{Password: strings.Join(r.args, " ")})
}

func stepRegistrationCode(ctx context.Context, r *request) {
	if !r.processor.allowMatrixLogin {
		r.reply(ctx, matrixLoginDisabled)
		return
	}
	payload := r.pending.Payload
	account, err := r.user.Transport().SignUp(ctx, r.args[0], payload.FirstName, payload.LastName)
	if err != nil {
		r.fail(ctx, "registering", err, signUpErrors)
		return
	}
	r.finishLogin(ctx, account)
	r.reply(ctx, "Successfully registered to Telegram.")
}

// requestCode asks Telegram to send a login code to phone and arms
// next once it did.
func (r *request) requestCode(ctx context.Context, phone string, next *Continuation) {
	if err := r.user.Transport().SendCode(ctx, phone); err != nil {
		r.fail(ctx, "requesting code", err, requestCodeErrors)
		return
	}
	r.user.SetPending(next)
	r.reply(ctx, "Login code sent to %s. Please send the code here.", phone)
}

// signIn runs one sign-in attempt. A two-factor account answers the
// code with SESSION_PASSWORD_NEEDED, which arms the password step.
func (r *request) signIn(ctx context.Context, attempt telegram.SignInRequest) {
	account, err := r.user.Transport().SignIn(ctx, attempt)
	if err != nil {
		if telegram.IsRPCError(err, telegram.ErrSessionPasswordNeeded) {
			r.user.SetPending(&Continuation{Step: StepPassword, Action: "Login (password entry)"})
			r.reply(ctx, "Your account has two-factor authentication. Please send your password here.")
			return
		}
		r.fail(ctx, "signing in", err, signInErrors)
		return
	}
	r.finishLogin(ctx, account)
	r.reply(ctx, "Successfully logged in as %s", accountName(account.ID, account.Username, account.Phone))
}

// finishLogin makes r's session the owner of account. Any other
// session logged in as the same Telegram user is logged out first and
// told so.
func (r *request) finishLogin(ctx context.Context, account *telegram.User) {
	if other := r.processor.sessions.ByTelegramID(account.ID); other != nil && other != r.user {
		r.logger.Info("logging out previous owner of telegram account",
			"telegram_id", account.ID, "previous", other.MXID())
		if err := other.LogOut(ctx); err != nil {
			r.logger.Warn("failed to log out previous owner", "previous", other.MXID(), "error", err)
		}
		r.reply(ctx, "%s was logged out from the account.", matrixLink(other.MXID()))
		r.notifyLoggedOut(ctx, other.ManagementRoom(), account)
	}
	if err := r.user.PostLogin(ctx, account); err != nil {
		r.logger.Error("failed to finish login", "telegram_id", account.ID, "error", err)
	}
}

// notifyLoggedOut tells a session that lost its account to another
// Matrix user, in that session's management room.
func (r *request) notifyLoggedOut(ctx context.Context, roomID ref.RoomID, account *telegram.User) {
	if roomID.IsZero() || roomID == r.roomID {
		return
	}
	text := fmt.Sprintf("You were logged out of %s because %s logged in to it.",
		accountName(account.ID, account.Username, account.Phone), matrixLink(r.user.MXID()))
	if _, err := r.processor.bot.SendMessage(ctx, roomID, messaging.NewNotice(text)); err != nil {
		r.logger.Warn("failed to notify previous owner", "room_id", roomID, "error", err)
	}
}

func handleLogout(ctx context.Context, r *request) {
	if err := r.user.LogOut(ctx); err != nil {
		r.logger.Error("failed to log out", "error", err)
		r.reply(ctx, "Failed to log out.")
		return
	}
	r.reply(ctx, "Logged out successfully.")
}

func handleUsername(ctx context.Context, r *request) {
	if len(r.args) == 0 {
		r.reply(ctx, "**Usage:** `$cmdprefix+sp username <new username>`")
		return
	}
	if r.user.IsBot() {
		r.reply(ctx, "Bots can't set their own username.")
		return
	}
	username := r.args[0]
	if username == "-" {
		username = ""
	}
	if err := r.user.Transport().UpdateUsername(ctx, username); err != nil {
		r.fail(ctx, "changing username", err, usernameErrors)
		return
	}
	if err := r.user.RefreshInfo(ctx); err != nil {
		r.logger.Warn("failed to refresh account after username change", "error", err)
	}
	if current := r.user.Username(); current != "" {
		r.reply(ctx, "Username changed to %s", current)
		return
	}
	r.reply(ctx, "Username removed")
}

func (r *request) loggedIn(ctx context.Context) bool {
	loggedIn, err := r.user.LoggedIn(ctx)
	if err != nil {
		r.logger.Warn("failed to check login state", "error", err)
	}
	return loggedIn
}

// accountName renders a Telegram account the way login replies name
// it: "@username", else "+phone", else the id.
func accountName(id telegram.UserID, username, phone string) string {
	switch {
	case username != "":
		return "@" + username
	case phone != "":
		return "+" + phone
	default:
		return fmt.Sprint(id)
	}
}

func matrixLink(userID ref.UserID) string {
	return fmt.Sprintf("[%s](https://matrix.to/#/%s)", userID, userID)
}
