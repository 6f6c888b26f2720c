package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20 // 1 MiB

// errMissingSender rejects message events with no sender phone.
var errMissingSender = errors.New("webhook message has no sender phone")

// webhookEnvelope is the provider's inbound webhook shape. Only "message"
// events carry a user message; other event types are acknowledged and ignored.
type webhookEnvelope struct {
	App     string         `json:"app"`
	Type    string         `json:"type"`
	Payload webhookPayload `json:"payload"`
}

type webhookPayload struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Source      string            `json:"source"`
	Destination string            `json:"destination"`
	Payload     webhookInner      `json:"payload"`
	Sender      webhookSender     `json:"sender"`
	Context     map[string]string `json:"context,omitempty"`
}

type webhookInner struct {
	Text         string `json:"text,omitempty"`
	Title        string `json:"title,omitempty"`
	PostbackText string `json:"postbackText,omitempty"`
	URL          string `json:"url,omitempty"`
}

type webhookSender struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
}

// webhookHandler accepts one provider delivery, normalizes it, and runs it
// through the pipeline. The reply payload travels back in the HTTP response.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		slog.Error("Server failed to read webhook body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		slog.Error("Server failed to decode webhook payload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON payload"))
		return
	}

	// Delivery receipts, read events, and other non-message callbacks are
	// acknowledged so the provider stops retrying them.
	if envelope.Type != "message" {
		slog.Debug("Server ignoring non-message webhook event", "type", envelope.Type)
		writeJSONResponse(w, http.StatusOK, models.Success(nil))
		return
	}

	msg, err := normalizeInbound(envelope, clientIP(r))
	if err != nil {
		slog.Warn("Server rejecting malformed webhook message", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	payload, err := s.pipeline.Handle(r.Context(), msg)
	if err != nil {
		slog.Error("Server webhook handling failed", "error", err, "sender", msg.Sender)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	if payload.IsZero() {
		writeJSONResponse(w, http.StatusOK, models.Dropped("Message dropped"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(payload))
}

// normalizeInbound maps the provider envelope onto the internal message shape.
// Interactive replies carry their selection in postbackText with the label in
// title; free text arrives in text.
func normalizeInbound(envelope webhookEnvelope, sourceIP string) (models.InboundMessage, error) {
	p := envelope.Payload
	if p.Sender.Phone == "" {
		return models.InboundMessage{}, errMissingSender
	}

	text := p.Payload.Text
	if p.Payload.PostbackText != "" {
		text = p.Payload.PostbackText
	} else if text == "" && p.Payload.Title != "" {
		text = p.Payload.Title
	}

	webhookCtx := map[string]string{models.ContextKeySourceIP: sourceIP}
	if id := p.Context[models.ContextKeyBroadcastID]; id != "" {
		webhookCtx[models.ContextKeyBroadcastID] = id
	}
	if id := p.Context[models.ContextKeyBusinessID]; id != "" {
		webhookCtx[models.ContextKeyBusinessID] = id
	}

	return models.InboundMessage{
		Type:           p.Type,
		Text:           text,
		MessageID:      p.ID,
		Sender:         p.Sender.Phone,
		Receiver:       p.Destination,
		Service:        "whatsapp",
		SenderName:     p.Sender.Name,
		WebhookContext: webhookCtx,
	}, nil
}

// clientIP extracts the peer address without the port; it falls back to the
// raw RemoteAddr when the address has no port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
