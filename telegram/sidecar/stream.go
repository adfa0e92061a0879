// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/bureau-foundation/tgbridge/lib/codec"
	"github.com/bureau-foundation/tgbridge/lib/netutil"
	"github.com/bureau-foundation/tgbridge/telegram"
)

const actionSubscribe = "subscribe"

// runStream delivers updates for session to handler until ctx is
// cancelled. A dropped stream is re-subscribed after the client's
// reconnect delay; updates sent while disconnected are the sidecar's to
// buffer or drop. Closes done on return.
func (c *Client) runStream(ctx context.Context, session string, handler telegram.UpdateHandler, done chan<- struct{}) {
	defer close(done)
	logger := c.logger.With("session", session)

	for {
		err := c.subscribe(ctx, session, handler, logger)
		if ctx.Err() != nil {
			return
		}
		if err == nil || netutil.IsExpectedCloseError(err) {
			logger.Info("sidecar update stream closed, reconnecting",
				"delay", c.reconnectDelay)
		} else {
			logger.Warn("sidecar update stream failed, reconnecting",
				"error", err,
				"delay", c.reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.reconnectDelay):
		}
	}
}

// subscribe opens one update stream and reads it until it ends. The
// handler runs on this goroutine, so updates for a session are handled
// strictly in order.
func (c *Client) subscribe(ctx context.Context, session string, handler telegram.UpdateHandler, logger *slog.Logger) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	request, requestID := buildRequest(actionSubscribe, session, nil)
	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("writing subscribe request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	decoder := codec.NewDecoder(conn)
	var response Response
	if err := decoder.Decode(&response); err != nil {
		return fmt.Errorf("reading subscribe response: %w", err)
	}
	if err := responseError(actionSubscribe, &response); err != nil {
		return err
	}
	logger.Debug("subscribed to sidecar updates", "request_id", requestID)

	for {
		var envelope updateEnvelope
		if err := decoder.Decode(&envelope); err != nil {
			return err
		}
		update, err := decodeUpdate(envelope)
		if err != nil {
			diagnostic, _ := codec.Diagnose(envelope.Update)
			logger.Warn("dropping undecodable update",
				"type", envelope.Type,
				"error", err,
				"payload", diagnostic)
			continue
		}
		handler(ctx, update)
	}
}
