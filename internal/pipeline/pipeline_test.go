package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ConvoPilot/ConvoPilot/internal/events"
	"github.com/ConvoPilot/ConvoPilot/internal/flow"
	"github.com/ConvoPilot/ConvoPilot/internal/models"
	"github.com/ConvoPilot/ConvoPilot/internal/ratelimit"
	"github.com/ConvoPilot/ConvoPilot/internal/resolver"
	"github.com/ConvoPilot/ConvoPilot/internal/store"
)

type fakeClassifier struct {
	response models.AIResponse
	err      error
	calls    int
	lastText string
}

func (c *fakeClassifier) Classify(_ context.Context, _ models.User, _ models.AgentFlowStep, _ models.ConversationState, rawText string, _ models.Agent) (models.AIResponse, error) {
	c.calls++
	c.lastText = rawText
	if c.err != nil {
		return models.AIResponse{}, c.err
	}
	return c.response, nil
}

// seedFlow installs a three-step onboarding flow:
// step0 (text, captures name) -> step1 (quick reply) -> step2 (email, AI takeover) -> stop.
func seedFlow(t *testing.T, s *store.InMemoryStore) models.Agent {
	t.Helper()
	ctx := context.Background()

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
			NextSteps: []string{"step1"},
		},
		{
			AgentID: "agent-1", Key: "step1", Kind: models.StepKindQuickReply,
			Message: "Nice to meet you, {{name}}. Pick a plan:", Mandatory: true, Variable: "plan",
			Options: []models.StepOption{
				{Title: "Basic", Postback: "step2/basic"},
				{Title: "Pro", Postback: "step2/pro"},
			},
			NextSteps: []string{"step2"},
		},
		{
			AgentID: "agent-1", Key: "step2", Kind: models.StepKindText,
			Message: "What's your email?", Regex: `^[^@\s]+@[^@\s]+\.[^@\s]+$`,
			Mandatory: true, Variable: "email", AITakeover: true,
			NextSteps: []string{models.StepStop},
		},
	}
	for _, step := range steps {
		if err := s.SaveStep(ctx, step); err != nil {
			t.Fatalf("SaveStep %s: %v", step.Key, err)
		}
	}
	return agent
}

func newTestPipeline(t *testing.T, s *store.InMemoryStore, opts ...Option) *Pipeline {
	t.Helper()
	base := []Option{WithTracker(events.NewStoreTracker(s))}
	return NewPipeline(s, resolver.NewResolver(s), flow.NewEngine(s), ratelimit.NewLimiter(), append(base, opts...)...)
}

func inbound(text string) models.InboundMessage {
	return models.InboundMessage{
		Type: "text", Text: text,
		Sender: "+15551234567", Receiver: "biz-1", Service: "whatsapp",
		SenderName: "Ada",
		WebhookContext: map[string]string{
			models.ContextKeySourceIP: "203.0.113.9",
		},
	}
}

func TestFirstMessageStartsConversation(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedFlow(t, s)
	p := newTestPipeline(t, s)

	payload, err := p.Handle(ctx, inbound("signup please"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if payload.PromptText() != "Welcome! What's your name?" {
		t.Errorf("entry prompt = %q", payload.PromptText())
	}

	user, err := s.FindUserByPhone(ctx, "+15551234567", "whatsapp")
	if err != nil || user == nil {
		t.Fatalf("user not created: %v", err)
	}
	if user.Name != "Ada" {
		t.Errorf("user name = %q", user.Name)
	}

	conv, err := s.FindActiveConversation(ctx, user.ID, "whatsapp")
	if err != nil || conv == nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.CurrentStep != models.EntryStepKey || conv.AgentID != "agent-1" {
		t.Errorf("conversation = step %s agent %s", conv.CurrentStep, conv.AgentID)
	}

	recorded, err := s.ListEvents(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(recorded) != 1 || recorded[0].Name != flow.EventConversationStarted {
		t.Errorf("events = %+v", recorded)
	}
}

func TestFlowProgressionToCompletion(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedFlow(t, s)
	p := newTestPipeline(t, s)

	if _, err := p.Handle(ctx, inbound("signup")); err != nil {
		t.Fatalf("first message: %v", err)
	}

	// Name reply advances to the plan step with the variable rendered.
	payload, err := p.Handle(ctx, inbound("Ada Lovelace"))
	if err != nil {
		t.Fatalf("name reply: %v", err)
	}
	if payload.Type != models.PayloadTypeQuickReply {
		t.Fatalf("payload type = %s", payload.Type)
	}
	if payload.PromptText() != "Nice to meet you, Ada Lovelace. Pick a plan:" {
		t.Errorf("plan prompt = %q", payload.PromptText())
	}

	// An off-options reply is rejected and the step re-asked with a reason.
	payload, err = p.Handle(ctx, inbound("mystery plan"))
	if err != nil {
		t.Fatalf("invalid plan reply: %v", err)
	}
	if !strings.HasPrefix(payload.PromptText(), flow.MsgChooseOption) {
		t.Errorf("retry prompt = %q", payload.PromptText())
	}

	// Selecting an option advances to the email step.
	payload, err = p.Handle(ctx, inbound("Pro"))
	if err != nil {
		t.Fatalf("plan selection: %v", err)
	}
	if payload.PromptText() != "What's your email?" {
		t.Errorf("email prompt = %q", payload.PromptText())
	}

	// A valid email completes the flow.
	payload, err = p.Handle(ctx, inbound("ada@example.com"))
	if err != nil {
		t.Fatalf("email reply: %v", err)
	}
	if payload.PromptText() != flow.MsgCompleted {
		t.Errorf("completion reply = %q", payload.PromptText())
	}

	user, _ := s.FindUserByPhone(ctx, "+15551234567", "whatsapp")
	if conv, _ := s.FindActiveConversation(ctx, user.ID, "whatsapp"); conv != nil {
		t.Errorf("conversation still active after completion: %+v", conv)
	}

	// The next message starts a fresh conversation.
	payload, err = p.Handle(ctx, inbound("signup"))
	if err != nil {
		t.Fatalf("post-completion message: %v", err)
	}
	if payload.PromptText() != "Welcome! What's your name?" {
		t.Errorf("new conversation prompt = %q", payload.PromptText())
	}
}

func TestAITransformConfirmation(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedFlow(t, s)

	classifier := &fakeClassifier{response: models.AIResponse{
		Type: models.AIResponseTransform, Msg: "Did you mean ada@example.com?",
		Value: "ada@example.com", Confidence: 0.85,
	}}
	p := newTestPipeline(t, s, WithClassifier(classifier))

	// Walk to the email step.
	for _, text := range []string{"signup", "Ada", "Basic"} {
		if _, err := p.Handle(ctx, inbound(text)); err != nil {
			t.Fatalf("setup message %q: %v", text, err)
		}
	}

	// A malformed email triggers AI takeover and stages a confirmation.
	payload, err := p.Handle(ctx, inbound("my email is ada at example dot com"))
	if err != nil {
		t.Fatalf("malformed email: %v", err)
	}
	if classifier.calls != 1 {
		t.Fatalf("classifier calls = %d", classifier.calls)
	}
	if payload.PromptText() != "Did you mean ada@example.com?" {
		t.Errorf("confirmation prompt = %q", payload.PromptText())
	}

	// While the confirmation is staged the classifier must not run again.
	payload, err = p.Handle(ctx, inbound("hmm let me think"))
	if err != nil {
		t.Fatalf("unrelated reply: %v", err)
	}
	if classifier.calls != 1 {
		t.Errorf("classifier ran while confirmation staged, calls = %d", classifier.calls)
	}

	// Confirming commits the value and completes the flow.
	payload, err = p.Handle(ctx, inbound("yes"))
	if err != nil {
		t.Fatalf("confirmation: %v", err)
	}
	if payload.PromptText() != flow.MsgCompleted {
		t.Errorf("post-confirm reply = %q", payload.PromptText())
	}
}

func TestAIClassifierFailureApologizes(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedFlow(t, s)

	classifier := &fakeClassifier{err: errors.New("provider down")}
	p := newTestPipeline(t, s, WithClassifier(classifier))

	for _, text := range []string{"signup", "Ada", "Basic"} {
		if _, err := p.Handle(ctx, inbound(text)); err != nil {
			t.Fatalf("setup message %q: %v", text, err)
		}
	}

	payload, err := p.Handle(ctx, inbound("not an email"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if payload.PromptText() != flow.MsgApology {
		t.Errorf("reply = %q", payload.PromptText())
	}

	// The conversation stayed on the email step.
	user, _ := s.FindUserByPhone(ctx, "+15551234567", "whatsapp")
	conv, _ := s.FindActiveConversation(ctx, user.ID, "whatsapp")
	if conv == nil || conv.CurrentStep != "step2" {
		t.Errorf("conversation = %+v", conv)
	}
}

func TestUserQuotaGetsFixedReply(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedFlow(t, s)

	limiter := ratelimit.NewLimiter(ratelimit.WithUserQuota(2))
	p := NewPipeline(s, resolver.NewResolver(s), flow.NewEngine(s), limiter)

	if _, err := p.Handle(ctx, inbound("signup")); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if _, err := p.Handle(ctx, inbound("Ada")); err != nil {
		t.Fatalf("second message: %v", err)
	}

	payload, err := p.Handle(ctx, inbound("Basic"))
	if err != nil {
		t.Fatalf("third message: %v", err)
	}
	if payload.PromptText() != MsgRateLimited {
		t.Errorf("over-quota reply = %q", payload.PromptText())
	}
}

func TestContentHeuristicDropsSilently(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedFlow(t, s)
	p := newTestPipeline(t, s)

	payload, err := p.Handle(ctx, inbound(strings.Repeat("a", 50)))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !payload.IsZero() {
		t.Errorf("expected silent drop, got %+v", payload)
	}

	// Nothing was created for the dropped message.
	if user, _ := s.FindUserByPhone(ctx, "+15551234567", "whatsapp"); user != nil {
		t.Error("user created for dropped message")
	}
}

func TestBroadcastEmptyMappingDefaultMessage(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedFlow(t, s)
	if err := s.SaveBroadcast(ctx, models.Broadcast{
		ID: "bc-empty", BusinessID: "biz-1", Type: models.BroadcastTypeOutbound,
		DefaultMessage: "Thanks for your interest! We'll be in touch.",
	}); err != nil {
		t.Fatalf("SaveBroadcast: %v", err)
	}
	p := newTestPipeline(t, s)

	msg := inbound("hello")
	msg.WebhookContext[models.ContextKeyBroadcastID] = "bc-empty"
	payload, err := p.Handle(ctx, msg)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if payload.PromptText() != "Thanks for your interest! We'll be in touch." {
		t.Errorf("reply = %q", payload.PromptText())
	}
}

func TestStickyAgentSurvivesKeywordCollision(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedFlow(t, s)
	// A second agent whose keyword collides with plausible mid-flow replies.
	if err := s.SaveAgent(ctx, models.Agent{
		ID: "agent-2", BusinessID: "biz-1", Name: "Billing",
		Status: models.AgentStatusActive, Keywords: []string{"basic"},
	}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	p := newTestPipeline(t, s)

	if _, err := p.Handle(ctx, inbound("signup")); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if _, err := p.Handle(ctx, inbound("Ada")); err != nil {
		t.Fatalf("name reply: %v", err)
	}
	// "Basic" matches agent-2's keyword but the binding must stay sticky.
	if _, err := p.Handle(ctx, inbound("Basic")); err != nil {
		t.Fatalf("plan reply: %v", err)
	}

	user, _ := s.FindUserByPhone(ctx, "+15551234567", "whatsapp")
	conv, _ := s.FindActiveConversation(ctx, user.ID, "whatsapp")
	if conv == nil || conv.AgentID != "agent-1" {
		t.Errorf("conversation rebound: %+v", conv)
	}
}

func TestNoUsableAgentsReply(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	if err := s.SaveAgent(ctx, models.Agent{
		ID: "agent-1", BusinessID: "biz-1", Name: "Draft", Status: models.AgentStatusDraft,
	}); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}
	p := newTestPipeline(t, s)

	payload, err := p.Handle(ctx, inbound("hello"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if payload.PromptText() != MsgNoAgents {
		t.Errorf("reply = %q", payload.PromptText())
	}
}

func TestConcurrentRepliesSerialized(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedFlow(t, s)
	p := newTestPipeline(t, s)

	if _, err := p.Handle(ctx, inbound("signup")); err != nil {
		t.Fatalf("first message: %v", err)
	}

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			if _, err := p.Handle(ctx, inbound("Ada")); err != nil {
				t.Errorf("concurrent Handle: %v", err)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	user, _ := s.FindUserByPhone(ctx, "+15551234567", "whatsapp")
	conv, _ := s.FindActiveConversation(ctx, user.ID, "whatsapp")
	if conv == nil {
		t.Fatal("conversation missing")
	}
	// All replies applied in some serial order; the step is one of the flow's
	// defined keys, never a torn intermediate value.
	switch conv.CurrentStep {
	case models.EntryStepKey, "step1", "step2":
	default:
		t.Errorf("current step = %q", conv.CurrentStep)
	}
}
