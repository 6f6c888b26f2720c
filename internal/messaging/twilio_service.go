package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
	"github.com/ConvoPilot/ConvoPilot/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio REST API. Inbound messages
// arrive through TwilioWebhookHandler rather than a live connection.
type TwilioService struct {
	client  twiliowhatsapp.TwilioWhatsAppSender
	inbound chan models.InboundMessage
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a TwilioService over the given sender.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient reduces a recipient to a bare phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op for Twilio (no live connection).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.inbound)
	}()
	return nil
}

// SendPayload renders the payload to text and sends it via Twilio. Twilio's
// Go SDK has no WhatsApp interactive messages, so options always flatten to
// the numbered-list fallback.
func (s *TwilioService) SendPayload(ctx context.Context, to string, payload models.ResponsePayload) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService recipient validation failed", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonical, RenderText(payload))
}

// Inbound returns the channel of normalized incoming messages.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// TwilioWebhookHandler handles inbound Twilio webhook requests, normalizing
// them into the inbound channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Twilio webhook missing fields", "from_set", from != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		Type:      "text",
		Text:      body,
		MessageID: r.FormValue("MessageSid"),
		Sender:    from,
		Receiver:  r.FormValue("To"),
		Service:   "twilio",
		WebhookContext: map[string]string{
			models.ContextKeySourceIP: r.RemoteAddr,
		},
	}
	s.safeEmitInbound(msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmitInbound pushes a message into the inbound channel unless stopped.
func (s *TwilioService) safeEmitInbound(msg models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.Sender)
		return
	}

	select {
	case s.inbound <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.Sender)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService inbound channel blocked, dropping message", "from", msg.Sender)
	}
}
