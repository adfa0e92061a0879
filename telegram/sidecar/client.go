// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sidecar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/tgbridge/lib/clock"
	"github.com/bureau-foundation/tgbridge/lib/codec"
	"github.com/bureau-foundation/tgbridge/telegram"
)

// dialTimeout bounds the connect phase only.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for a response after
// writing the request. Sign-in and photo downloads round-trip to
// Telegram, so this is generous.
const responseReadTimeout = 60 * time.Second

// maxResponseSize bounds a single response. Profile photos are the
// largest payload the sidecar returns.
const maxResponseSize = 16 * 1024 * 1024

// Response is the envelope of every sidecar reply. On failure OK is
// false and either RPC carries the Telegram error or Error carries a
// sidecar-side message.
type Response struct {
	OK    bool               `cbor:"ok"`
	Error string             `cbor:"error,omitempty"`
	RPC   *telegram.RPCError `cbor:"rpc_error,omitempty"`
	Data  codec.RawMessage   `cbor:"data,omitempty"`
}

// Error is returned by Call when the sidecar rejects a request without
// a Telegram error (unknown session, malformed request).
type Error struct {
	Action  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sidecar: %s: %s", e.Action, e.Message)
}

// Config configures a Client.
type Config struct {
	// SocketPath is the sidecar's Unix socket.
	SocketPath string

	// RequestRate caps requests per second across all sessions.
	RequestRate float64

	// ReconnectDelay is the wait before re-subscribing after an update
	// stream drops.
	ReconnectDelay time.Duration

	// Clock drives reconnect waits. Defaults to the real clock.
	Clock clock.Clock

	// Logger is required.
	Logger *slog.Logger
}

// Client sends requests to the sidecar socket.
type Client struct {
	socketPath     string
	limiter        *rate.Limiter
	reconnectDelay time.Duration
	clock          clock.Clock
	logger         *slog.Logger
}

// NewClient validates cfg and returns a Client. It does not dial; the
// sidecar may start after the bridge.
func NewClient(cfg Config) (*Client, error) {
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("sidecar: socket path is required")
	}
	if cfg.RequestRate <= 0 {
		return nil, fmt.Errorf("sidecar: request rate must be positive")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("sidecar: logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	burst := max(1, int(cfg.RequestRate))
	return &Client{
		socketPath:     cfg.SocketPath,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RequestRate), burst),
		reconnectDelay: cfg.ReconnectDelay,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
	}, nil
}

// Call sends action for session and decodes the response data into
// result (if non-nil). The client adds "action", "session" and
// "request_id" to fields; callers must not set those keys.
//
// A Telegram failure is returned wrapping its *telegram.RPCError so
// [telegram.Classify] and [telegram.IsRPCError] see it. Other rejections
// are *Error; connection failures are plain wrapped errors.
func (c *Client) Call(ctx context.Context, action, session string, fields map[string]any, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sidecar: %s: waiting for rate limiter: %w", action, err)
	}

	request, requestID := buildRequest(action, session, fields)
	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("sidecar: calling %q on %s: %w", action, c.socketPath, err)
	}
	if err := responseError(action, response); err != nil {
		c.logger.Debug("sidecar request failed",
			"action", action,
			"session", session,
			"request_id", requestID,
			"error", err,
		)
		return err
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("sidecar: decoding %q response: %w", action, err)
		}
	}
	return nil
}

func responseError(action string, response *Response) error {
	if response.OK {
		return nil
	}
	if response.RPC != nil {
		return fmt.Errorf("sidecar: %s: %w", action, response.RPC)
	}
	return &Error{Action: action, Message: response.Error}
}

// buildRequest copies fields and injects the routing keys. The request
// id only correlates client and sidecar logs.
func buildRequest(action, session string, fields map[string]any) (map[string]any, string) {
	request := make(map[string]any, len(fields)+3)
	for key, value := range fields {
		request[key] = value
	}
	requestID := uuid.NewString()
	request["action"] = action
	request["session"] = session
	request["request_id"] = requestID
	return request, requestID
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	return conn, nil
}

// send performs one request/response exchange on a fresh connection.
func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
