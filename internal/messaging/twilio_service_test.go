package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
	"github.com/ConvoPilot/ConvoPilot/internal/twiliowhatsapp"
)

func TestTwilioServiceSendPayloadRendersOptions(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	s := NewTwilioService(mock)

	payload := models.QuickReplyPayload("Pick a plan:", []models.PayloadOption{
		{Title: "Basic"}, {Title: "Pro"},
	})
	if err := s.SendPayload(context.Background(), "+1 (555) 123-4567", payload); err != nil {
		t.Fatalf("SendPayload: %v", err)
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("sent %d messages, want 1", len(mock.SentMessages))
	}
	if mock.SentMessages[0].To != "15551234567" {
		t.Errorf("recipient = %q", mock.SentMessages[0].To)
	}
	if mock.SentMessages[0].Body != "Pick a plan:\n1. Basic\n2. Pro" {
		t.Errorf("body = %q", mock.SentMessages[0].Body)
	}
}

func TestTwilioServiceRejectsBadRecipient(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := s.SendPayload(context.Background(), "no digits", models.TextPayload("hi")); err == nil {
		t.Error("expected recipient validation error")
	}
}

func TestTwilioServiceStoppedSendFails(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.SendPayload(context.Background(), "+15551234567", models.TextPayload("hi")); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioWebhookHandlerEmitsInbound(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{
		"From":       {"whatsapp:+15551234567"},
		"To":         {"whatsapp:+15559990000"},
		"Body":       {"hello"},
		"MessageSid": {"SM123"},
	}
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.TwilioWebhookHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	select {
	case msg := <-s.Inbound():
		if msg.Sender != "whatsapp:+15551234567" || msg.Text != "hello" || msg.Service != "twilio" {
			t.Errorf("inbound = %+v", msg)
		}
		if msg.MessageID != "SM123" {
			t.Errorf("message id = %q", msg.MessageID)
		}
	default:
		t.Fatal("no inbound message emitted")
	}
}

func TestTwilioWebhookHandlerRejectsMissingFields(t *testing.T) {
	s := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{"From": {"whatsapp:+15551234567"}}
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	s.TwilioWebhookHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
