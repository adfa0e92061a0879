// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bureau-foundation/tgbridge/lib/fault"
	"github.com/bureau-foundation/tgbridge/lib/netutil"
)

// RPCError is an error returned by a Telegram RPC. Name is the
// upper-case error identifier with any numeric suffix removed
// ("FLOOD_WAIT_30" arrives as Name "FLOOD_WAIT", Seconds 30).
type RPCError struct {
	Code    int    `cbor:"code"`
	Name    string `cbor:"name"`
	Seconds int    `cbor:"seconds,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Seconds > 0 {
		return fmt.Sprintf("telegram: rpc error %d: %s_%d", e.Code, e.Name, e.Seconds)
	}
	return fmt.Sprintf("telegram: rpc error %d: %s", e.Code, e.Name)
}

// RPC error names the bridge reacts to.
const (
	ErrFloodWait                     = "FLOOD_WAIT"
	ErrPhoneNumberFlood              = "PHONE_NUMBER_FLOOD"
	ErrPhoneCodeInvalid              = "PHONE_CODE_INVALID"
	ErrPhoneCodeExpired              = "PHONE_CODE_EXPIRED"
	ErrPhoneCodeEmpty                = "PHONE_CODE_EMPTY"
	ErrPasswordHashInvalid           = "PASSWORD_HASH_INVALID"
	ErrSessionPasswordNeeded         = "SESSION_PASSWORD_NEEDED"
	ErrPhoneNumberInvalid            = "PHONE_NUMBER_INVALID"
	ErrPhoneNumberOccupied           = "PHONE_NUMBER_OCCUPIED"
	ErrPhoneNumberUnoccupied         = "PHONE_NUMBER_UNOCCUPIED"
	ErrPhoneNumberBanned             = "PHONE_NUMBER_BANNED"
	ErrPhoneNumberAppSignupForbidden = "PHONE_NUMBER_APP_SIGNUP_FORBIDDEN"
	ErrFirstNameInvalid              = "FIRSTNAME_INVALID"
	ErrAccessTokenInvalid            = "ACCESS_TOKEN_INVALID"
	ErrAccessTokenExpired            = "ACCESS_TOKEN_EXPIRED"
	ErrUsernameInvalid               = "USERNAME_INVALID"
	ErrUsernameNotModified           = "USERNAME_NOT_MODIFIED"
	ErrUsernameOccupied              = "USERNAME_OCCUPIED"
	ErrAuthKeyUnregistered           = "AUTH_KEY_UNREGISTERED"
)

var errorKinds = map[string]fault.Kind{
	ErrFloodWait:                     fault.Transient,
	ErrPhoneNumberFlood:              fault.Transient,
	ErrPhoneCodeInvalid:              fault.Credential,
	ErrPhoneCodeEmpty:                fault.Credential,
	ErrPasswordHashInvalid:           fault.Credential,
	ErrSessionPasswordNeeded:         fault.Credential,
	ErrAccessTokenInvalid:            fault.Credential,
	ErrAccessTokenExpired:            fault.Credential,
	ErrAuthKeyUnregistered:           fault.Credential,
	ErrPhoneCodeExpired:              fault.Validation,
	ErrPhoneNumberInvalid:            fault.Validation,
	ErrPhoneNumberBanned:             fault.Validation,
	ErrPhoneNumberAppSignupForbidden: fault.Validation,
	ErrPhoneNumberUnoccupied:         fault.Validation,
	ErrFirstNameInvalid:              fault.Validation,
	ErrUsernameInvalid:               fault.Validation,
	ErrPhoneNumberOccupied:           fault.Conflict,
	ErrUsernameOccupied:              fault.Conflict,
	ErrUsernameNotModified:           fault.Conflict,
}

// IsRPCError reports whether err's chain contains an *RPCError with the
// given name.
func IsRPCError(err error, name string) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Name == name
}

// RPCErrorName returns the name of the *RPCError in err's chain, or "".
func RPCErrorName(err error) string {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Name
	}
	return ""
}

// Classify wraps err in a *fault.Error according to the Telegram error
// it carries. FLOOD_WAIT errors carry their wait as RetryAfter. Network
// errors talking to the sidecar are transient. Errors that are already
// classified, and nil, are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var classified *fault.Error
	if errors.As(err, &classified) {
		return err
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		kind, ok := errorKinds[rpcErr.Name]
		if !ok {
			return fault.Wrap(fault.Unhandled, err)
		}
		if kind == fault.Transient && rpcErr.Seconds > 0 {
			return fault.RateLimited(time.Duration(rpcErr.Seconds)*time.Second, err)
		}
		return fault.Wrap(kind, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || netutil.IsExpectedCloseError(err) {
		return fault.Wrap(fault.Transient, err)
	}
	return fault.Wrap(fault.Unhandled, err)
}
