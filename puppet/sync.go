// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package puppet

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/tgbridge/lib/ref"
	"github.com/bureau-foundation/tgbridge/messaging"
)

// syncTimeout is the /sync long-poll timeout in milliseconds.
const syncTimeout = 30000

// maxBackoffErrors caps the error count used for the backoff wait, so
// the longest wait is maxBackoffErrors² seconds.
const maxBackoffErrors = 11

// forwardConcurrency bounds concurrent EventSink calls per batch.
const forwardConcurrency = 16

// syncBackoff returns the wait after a failed sync when errors earlier
// failures are already counted: 0, 1, 4, 9, ... up to 121 seconds.
func syncBackoff(errors int) time.Duration {
	n := min(errors, maxBackoffErrors)
	return time.Duration(n*n) * time.Second
}

// syncFilter requests only the custom user's own presence plus typing
// and receipts from joined rooms.
func syncFilter(mxid ref.UserID) messaging.Filter {
	none := func() *messaging.EventFilter { return &messaging.EventFilter{Types: []string{}} }
	return messaging.Filter{
		Presence: &messaging.EventFilter{
			Types:   []string{messaging.EventTypePresence},
			Senders: []ref.UserID{mxid},
		},
		AccountData: none(),
		Room: &messaging.RoomFilter{
			IncludeLeave: false,
			State:        none(),
			Timeline:     none(),
			AccountData:  none(),
			Ephemeral: &messaging.EventFilter{
				Types: []string{messaging.EventTypeTyping, messaging.EventTypeReceipt},
			},
		},
	}
}

// startSyncing starts the sync loop for the current custom identity
// unless syncing is disabled or a loop for the same token already runs.
func (p *Puppet) startSyncing() {
	registry := p.registry
	if !registry.syncEnabled {
		return
	}
	p.mu.Lock()
	mxid, token := p.customMXID, p.accessToken
	if mxid.IsZero() || token == "" || p.syncToken == token {
		p.mu.Unlock()
		return
	}
	done := make(chan struct{})
	p.syncToken = token
	p.syncDone = done
	p.mu.Unlock()

	registry.loops.Add(1)
	go func() {
		defer registry.loops.Done()
		defer close(done)
		p.runSync(registry.loopCtx, mxid, token)

		p.mu.Lock()
		if p.syncToken == token {
			p.syncToken = ""
		}
		p.mu.Unlock()
	}()
}

// runSync long-polls /sync as mxid until the puppet's access token no
// longer equals tokenAtStart or ctx ends. The initial batch only
// establishes the position and is not forwarded.
func (p *Puppet) runSync(ctx context.Context, mxid ref.UserID, tokenAtStart string) {
	logger := p.logger.With("custom_mxid", mxid)
	intent, err := p.registry.gateway.UserSession(mxid, tokenAtStart)
	if err != nil {
		logger.Error("opening sync session failed", "error", err)
		return
	}
	defer closeIntent(intent, logger)

	logger.Info("custom puppet sync started")
	defer logger.Info("custom puppet sync stopped")

	var filterID, nextBatch string
	errors := 0
	for p.liveAccessToken() == tokenAtStart {
		if ctx.Err() != nil {
			return
		}

		err := p.syncOnce(ctx, intent, mxid, &filterID, &nextBatch, logger)
		if err == nil {
			errors = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		wait := syncBackoff(errors)
		errors++
		logger.Warn("custom puppet sync failed", "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return
		case <-p.registry.clock.After(wait):
		}
	}
}

// syncOnce performs one /sync, creating the filter first if needed.
func (p *Puppet) syncOnce(ctx context.Context, intent messaging.Session, mxid ref.UserID, filterID, nextBatch *string, logger *slog.Logger) error {
	if *filterID == "" {
		id, err := intent.CreateFilter(ctx, syncFilter(mxid))
		if err != nil {
			return err
		}
		*filterID = id
	}

	response, err := intent.Sync(ctx, messaging.SyncOptions{
		Since:       *nextBatch,
		Timeout:     syncTimeout,
		SetTimeout:  true,
		Filter:      *filterID,
		SetPresence: messaging.PresenceOffline,
	})
	if err != nil {
		return err
	}

	initial := *nextBatch == ""
	*nextBatch = response.NextBatch
	if !initial {
		p.forward(ctx, mxid, response, logger)
	}
	return nil
}

// forward hands a batch's presence and filtered ephemeral events to the
// event sink concurrently. Sink errors are logged.
func (p *Puppet) forward(ctx context.Context, mxid ref.UserID, response *messaging.SyncResponse, logger *slog.Logger) {
	sink := p.registry.events
	var group errgroup.Group
	group.SetLimit(forwardConcurrency)

	for _, event := range response.Presence.Events {
		if event.Sender != mxid {
			continue
		}
		group.Go(func() error {
			if err := sink.HandlePresence(ctx, p, event); err != nil {
				logger.Warn("relaying presence failed", "error", err)
			}
			return nil
		})
	}
	for roomID, room := range response.Rooms.Join {
		for _, event := range filterEvents(mxid, room.Ephemeral.Events) {
			event.RoomID = roomID
			group.Go(func() error {
				if err := sink.HandleEphemeral(ctx, p, event); err != nil {
					logger.Warn("relaying ephemeral event failed",
						"room_id", roomID,
						"type", event.Type,
						"error", err,
					)
				}
				return nil
			})
		}
	}
	group.Wait()
}

// filterEvents narrows ephemeral events to what concerns mxid: typing
// reduces to mxid's own flag, and receipts to mxid's own read receipt,
// dropping receipt events that have none. Other events pass unchanged.
// Input events are not modified.
func filterEvents(mxid ref.UserID, events []messaging.Event) []messaging.Event {
	filtered := make([]messaging.Event, 0, len(events))
	for _, event := range events {
		switch event.Type {
		case messaging.EventTypeTyping:
			userIDs := []any{}
			if raw, ok := event.Content["user_ids"].([]any); ok && slices.Contains(raw, any(mxid.String())) {
				userIDs = append(userIDs, mxid.String())
			}
			event.Content = map[string]any{"user_ids": userIDs}

		case messaging.EventTypeReceipt:
			content, ok := ownReceipt(mxid, event.Content)
			if !ok {
				continue
			}
			event.Content = content
		}
		filtered = append(filtered, event)
	}
	return filtered
}

// ownReceipt finds mxid's read receipt in m.receipt content, shaped
// {eventID: {"m.read": {userID: receipt}}}. Event ids are checked in
// sorted order so the result is deterministic.
func ownReceipt(mxid ref.UserID, content map[string]any) (map[string]any, bool) {
	eventIDs := make([]string, 0, len(content))
	for eventID := range content {
		eventIDs = append(eventIDs, eventID)
	}
	slices.Sort(eventIDs)

	for _, eventID := range eventIDs {
		receipts, _ := content[eventID].(map[string]any)
		read, _ := receipts[messaging.ReceiptTypeRead].(map[string]any)
		receipt, ok := read[mxid.String()]
		if !ok || receipt == nil {
			continue
		}
		return map[string]any{
			eventID: map[string]any{
				messaging.ReceiptTypeRead: map[string]any{mxid.String(): receipt},
			},
		}, true
	}
	return nil, false
}
