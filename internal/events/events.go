// Package events records conversation analytics events.
//
// Tracking is best effort: a failed write is logged and swallowed so it can
// never fail a user-facing message turn.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// Tracker records analytics events for conversations.
type Tracker interface {
	// Track records one event. Implementations must not return an error to
	// the hot path; failures are handled internally.
	Track(ctx context.Context, conversationID string, event models.ConversationEvent)
}

// EventStore is the persistence surface the store-backed tracker needs.
type EventStore interface {
	AppendEvent(ctx context.Context, conversationID string, event models.ConversationEvent) error
}

// StoreTracker persists events through a store, swallowing write failures.
type StoreTracker struct {
	store EventStore
}

// NewStoreTracker creates a tracker backed by the given store.
func NewStoreTracker(store EventStore) *StoreTracker {
	return &StoreTracker{store: store}
}

// Track appends the event to the store. On failure the event is dropped with
// a warning; the caller's turn continues unaffected.
func (t *StoreTracker) Track(ctx context.Context, conversationID string, event models.ConversationEvent) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	if err := t.store.AppendEvent(ctx, conversationID, event); err != nil {
		slog.Warn("EventTracker failed to record event, dropping",
			"error", err, "conversation", conversationID, "event", event.Name)
		return
	}
	slog.Debug("EventTracker recorded event",
		"conversation", conversationID, "event", event.Name, "step", event.Step)
}

// NoopTracker discards all events.
type NoopTracker struct{}

// NewNoopTracker creates a tracker that records nothing.
func NewNoopTracker() *NoopTracker {
	return &NoopTracker{}
}

// Track discards the event.
func (t *NoopTracker) Track(context.Context, string, models.ConversationEvent) {}
