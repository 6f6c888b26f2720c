package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

type recordingStore struct {
	events []models.ConversationEvent
	err    error
}

func (s *recordingStore) AppendEvent(_ context.Context, _ string, event models.ConversationEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func TestStoreTrackerRecords(t *testing.T) {
	store := &recordingStore{}
	tracker := NewStoreTracker(store)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.Track(context.Background(), "conv-1", models.ConversationEvent{Name: "step_advanced", Step: "step1", At: at})

	if len(store.events) != 1 {
		t.Fatalf("recorded %d events, want 1", len(store.events))
	}
	if store.events[0].Name != "step_advanced" || !store.events[0].At.Equal(at) {
		t.Errorf("recorded %+v", store.events[0])
	}
}

func TestStoreTrackerDefaultsTimestamp(t *testing.T) {
	store := &recordingStore{}
	tracker := NewStoreTracker(store)

	tracker.Track(context.Background(), "conv-1", models.ConversationEvent{Name: "conversation_started"})
	if store.events[0].At.IsZero() {
		t.Error("zero timestamp was not defaulted")
	}
}

func TestStoreTrackerSwallowsFailures(t *testing.T) {
	store := &recordingStore{err: errors.New("db down")}
	tracker := NewStoreTracker(store)

	// Must not panic or propagate the failure.
	tracker.Track(context.Background(), "conv-1", models.ConversationEvent{Name: "step_advanced"})
}
