package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ConvoPilot/ConvoPilot/internal/events"
	"github.com/ConvoPilot/ConvoPilot/internal/flow"
	"github.com/ConvoPilot/ConvoPilot/internal/models"
	"github.com/ConvoPilot/ConvoPilot/internal/pipeline"
	"github.com/ConvoPilot/ConvoPilot/internal/ratelimit"
	"github.com/ConvoPilot/ConvoPilot/internal/resolver"
	"github.com/ConvoPilot/ConvoPilot/internal/store"
)

// newTestServer wires a server over an in-memory store seeded with a minimal
// two-step flow.
func newTestServer(t *testing.T) (*Server, *store.InMemoryStore) {
	t.Helper()
	ctx := context.Background()
	s := store.NewInMemoryStore()

	agent := models.Agent{
		ID: "agent-1", BusinessID: "biz-1", Name: "Onboarding",
		Status: models.AgentStatusActive, Keywords: []string{"signup"},
	}
	if err := s.SaveAgent(ctx, agent); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	steps := []models.AgentFlowStep{
		{
			AgentID: "agent-1", Key: models.EntryStepKey, Kind: models.StepKindText,
			Message: "Welcome! What's your name?", Mandatory: true, Variable: "name",
			NextSteps: []string{models.StepStop},
		},
	}
	for _, step := range steps {
		if err := s.SaveStep(ctx, step); err != nil {
			t.Fatalf("SaveStep: %v", err)
		}
	}

	p := pipeline.NewPipeline(s, resolver.NewResolver(s), flow.NewEngine(s), ratelimit.NewLimiter(),
		pipeline.WithTracker(events.NewStoreTracker(s)))
	return NewServer(p, s), s
}

func webhookBody(text string) string {
	return `{
		"app": "convopilot",
		"type": "message",
		"payload": {
			"id": "msg-1",
			"type": "text",
			"source": "15551234567",
			"destination": "biz-1",
			"payload": {"text": ` + jsonString(text) + `},
			"sender": {"phone": "15551234567", "name": "Ada"}
		}
	}`
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func postWebhook(t *testing.T, srv *Server, body string) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:54321"
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return rec, resp
}

func TestWebhookStartsConversation(t *testing.T) {
	srv, s := newTestServer(t)

	rec, resp := postWebhook(t, srv, webhookBody("signup please"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp.Status != string(models.APIStatusOK) {
		t.Fatalf("response status = %q", resp.Status)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result = %T", resp.Result)
	}
	if result["text"] != "Welcome! What's your name?" {
		t.Errorf("reply text = %v", result["text"])
	}

	user, err := s.FindUserByPhone(context.Background(), "15551234567", "whatsapp")
	if err != nil || user == nil {
		t.Fatalf("user not created: %v", err)
	}
	if user.Name != "Ada" {
		t.Errorf("user name = %q", user.Name)
	}
}

func TestWebhookIgnoresNonMessageEvents(t *testing.T) {
	srv, s := newTestServer(t)

	rec, resp := postWebhook(t, srv, `{"app":"convopilot","type":"message-event","payload":{"id":"evt-1"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("response status = %q", resp.Status)
	}

	user, _ := s.FindUserByPhone(context.Background(), "", "whatsapp")
	if user != nil {
		t.Error("non-message event created a user")
	}
}

func TestWebhookRejectsInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, resp := postWebhook(t, srv, "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if resp.Status != string(models.APIStatusError) {
		t.Errorf("response status = %q", resp.Status)
	}
}

func TestWebhookRejectsMissingSender(t *testing.T) {
	srv, _ := newTestServer(t)
	body := `{"type":"message","payload":{"id":"msg-1","type":"text","payload":{"text":"hi"},"sender":{}}}`
	rec, _ := postWebhook(t, srv, body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookRejectsGet(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestNormalizeInboundPrefersPostback(t *testing.T) {
	envelope := webhookEnvelope{
		Type: "message",
		Payload: webhookPayload{
			ID:          "msg-2",
			Type:        "button_reply",
			Destination: "biz-1",
			Payload:     webhookInner{Title: "Pro", PostbackText: "step2/pro"},
			Sender:      webhookSender{Phone: "15551234567"},
			Context: map[string]string{
				models.ContextKeyBroadcastID: "bc-1",
				models.ContextKeyBusinessID:  "biz-override",
			},
		},
	}

	msg, err := normalizeInbound(envelope, "203.0.113.9")
	if err != nil {
		t.Fatalf("normalizeInbound: %v", err)
	}
	if msg.Text != "step2/pro" {
		t.Errorf("text = %q, want postback token", msg.Text)
	}
	if msg.WebhookContext[models.ContextKeySourceIP] != "203.0.113.9" {
		t.Errorf("source ip = %q", msg.WebhookContext[models.ContextKeySourceIP])
	}
	if msg.WebhookContext[models.ContextKeyBroadcastID] != "bc-1" {
		t.Errorf("broadcast id = %q", msg.WebhookContext[models.ContextKeyBroadcastID])
	}
	if msg.WebhookContext[models.ContextKeyBusinessID] != "biz-override" {
		t.Errorf("business id = %q", msg.WebhookContext[models.ContextKeyBusinessID])
	}
	if msg.Service != "whatsapp" || msg.Receiver != "biz-1" {
		t.Errorf("routing fields = %q/%q", msg.Service, msg.Receiver)
	}
}

func TestNormalizeInboundTitleFallback(t *testing.T) {
	envelope := webhookEnvelope{
		Type: "message",
		Payload: webhookPayload{
			Payload: webhookInner{Title: "Pro"},
			Sender:  webhookSender{Phone: "15551234567"},
		},
	}
	msg, err := normalizeInbound(envelope, "")
	if err != nil {
		t.Fatalf("normalizeInbound: %v", err)
	}
	if msg.Text != "Pro" {
		t.Errorf("text = %q, want title fallback", msg.Text)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body = %q", rec.Body.String())
	}
}
