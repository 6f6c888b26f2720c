package messaging

import (
	"context"
	"sync"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// MockService implements Service in memory for tests: sends are recorded and
// inbound messages can be injected with Inject.
type MockService struct {
	mu      sync.Mutex
	sent    []SentPayload
	inbound chan models.InboundMessage
}

// SentPayload is one payload recorded by MockService.
type SentPayload struct {
	To      string
	Payload models.ResponsePayload
}

func NewMockService() *MockService {
	return &MockService{inbound: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

func (s *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (s *MockService) SendPayload(_ context.Context, to string, payload models.ResponsePayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, SentPayload{To: to, Payload: payload})
	return nil
}

func (s *MockService) Start(context.Context) error { return nil }

func (s *MockService) Stop() error {
	close(s.inbound)
	return nil
}

func (s *MockService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// Inject queues an inbound message as if it arrived from the provider.
func (s *MockService) Inject(msg models.InboundMessage) {
	s.inbound <- msg
}

// Sent returns a copy of the recorded sends.
func (s *MockService) Sent() []SentPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentPayload(nil), s.sent...)
}
