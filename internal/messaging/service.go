// Package messaging defines the pluggable delivery abstraction between the
// pipeline and concrete channels (Whatsmeow, Twilio), plus the text fallback
// rendering for channels without interactive message support.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex strips everything but digits during canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction. It supports
// sending response payloads and exposes a channel of inbound messages.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Each service implements its own recipient rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendPayload delivers a response payload to a recipient. Services without
	// interactive message support render a text fallback.
	SendPayload(ctx context.Context, to string, payload models.ResponsePayload) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbound returns a channel of normalized incoming messages.
	Inbound() <-chan models.InboundMessage
}

// canonicalizePhone reduces a recipient to its digits and checks length.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short")
	}
	return canonical, nil
}
