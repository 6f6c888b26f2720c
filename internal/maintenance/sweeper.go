// Package maintenance implements background housekeeping jobs for ConvoPilot.
//
// The sweeper marks conversations abandoned when the user has gone quiet for
// longer than the configured idle window, freeing the active slot so a later
// message starts a fresh conversation.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/events"
	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// DefaultMaxIdle is the idle window after which a conversation is abandoned.
const DefaultMaxIdle = 48 * time.Hour

// EventConversationAbandoned is recorded when the sweeper closes a conversation.
const EventConversationAbandoned = "conversation_abandoned"

// Store is the persistence surface the sweeper needs.
type Store interface {
	ListStaleConversations(ctx context.Context, cutoff time.Time) ([]models.Conversation, error)
	PatchConversation(ctx context.Context, id string, delta models.ConversationDelta) (*models.Conversation, error)
}

// Opts holds configuration options for the sweeper.
type Opts struct {
	MaxIdle time.Duration
	Tracker events.Tracker
}

// Option defines a configuration option for the sweeper.
type Option func(*Opts)

// WithMaxIdle sets the idle window after which conversations are abandoned.
func WithMaxIdle(d time.Duration) Option {
	return func(o *Opts) { o.MaxIdle = d }
}

// WithTracker sets the analytics tracker for abandonment events.
func WithTracker(t events.Tracker) Option {
	return func(o *Opts) { o.Tracker = t }
}

// Sweeper abandons idle conversations.
type Sweeper struct {
	store   Store
	tracker events.Tracker
	maxIdle time.Duration
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store Store, opts ...Option) *Sweeper {
	cfg := Opts{MaxIdle: DefaultMaxIdle, Tracker: events.NewNoopTracker()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Sweeper{store: store, tracker: cfg.Tracker, maxIdle: cfg.MaxIdle}
}

// Sweep marks every conversation idle past the window as abandoned and returns
// how many it closed. Failures on individual conversations are logged and
// skipped so one bad row cannot stall the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.maxIdle)
	stale, err := s.store.ListStaleConversations(ctx, cutoff)
	if err != nil {
		slog.Error("Sweeper failed to list stale conversations", "error", err)
		return 0, err
	}
	if len(stale) == 0 {
		slog.Debug("Sweeper found no stale conversations", "cutoff", cutoff)
		return 0, nil
	}

	abandoned := models.ConversationStatusAbandoned
	closed := 0
	for _, conv := range stale {
		if _, err := s.store.PatchConversation(ctx, conv.ID, models.ConversationDelta{Status: &abandoned}); err != nil {
			slog.Error("Sweeper failed to abandon conversation", "error", err, "conversation", conv.ID)
			continue
		}
		s.tracker.Track(ctx, conv.ID, models.ConversationEvent{
			Name: EventConversationAbandoned,
			Step: conv.CurrentStep,
		})
		closed++
	}

	slog.Info("Sweeper abandoned idle conversations", "closed", closed, "candidates", len(stale))
	return closed, nil
}
