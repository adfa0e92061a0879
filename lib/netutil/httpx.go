// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides bounded HTTP body reads and connection error
// classification.
//
// Matrix responses are read through ReadResponse and DecodeResponse,
// which cap the body at MaxResponseSize so a misbehaving homeserver
// cannot exhaust memory. Profile photos travel through ReadLimited with
// the tighter MaxMediaSize bound, and a body that exceeds the bound is an
// error rather than a silent truncation.
package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxResponseSize bounds JSON API response bodies. An initial /sync on a
// busy account can be large; this cap only exists to stop pathological
// responses.
const MaxResponseSize int64 = 64 << 20

// MaxMediaSize bounds a single profile photo.
const MaxMediaSize int64 = 16 << 20

// ErrTooLarge is returned by ReadLimited when the body exceeds the limit.
var ErrTooLarge = errors.New("netutil: body exceeds size limit")

// ReadResponse reads a JSON API response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON API response body (up to MaxResponseSize
// bytes) and decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ReadLimited reads at most limit bytes from body and fails with
// ErrTooLarge if more are available.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)
	}
	return data, nil
}

// ErrorBody reads an HTTP error response body for use in diagnostic
// messages. Read errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := ReadResponse(body)
	return string(data)
}
