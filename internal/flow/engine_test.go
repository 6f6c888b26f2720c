package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// fakeStepFinder serves steps from an in-memory map.
type fakeStepFinder struct {
	steps map[string]models.AgentFlowStep
	err   error
}

func (f *fakeStepFinder) FindStep(ctx context.Context, agentID, key string) (*models.AgentFlowStep, error) {
	if f.err != nil {
		return nil, f.err
	}
	step, ok := f.steps[key]
	if !ok {
		return nil, nil
	}
	return &step, nil
}

func testEngine(steps ...models.AgentFlowStep) (*Engine, *fakeStepFinder) {
	finder := &fakeStepFinder{steps: make(map[string]models.AgentFlowStep)}
	for _, s := range steps {
		finder.steps[s.Key] = s
	}
	clock := func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	return NewEngine(finder, WithClock(clock)), finder
}

func testConversation() *models.Conversation {
	return &models.Conversation{
		ID:          "c1",
		UserID:      "u1",
		Channel:     "whatsapp",
		AgentID:     "a1",
		CurrentStep: "step2",
		Status:      models.ConversationStatusActive,
	}
}

func testUser() models.User {
	return models.User{ID: "u1", Name: "Ada", Phone: "+14155550123", Channel: "whatsapp"}
}

func TestInitialPromptUnmodified(t *testing.T) {
	step0 := models.AgentFlowStep{
		AgentID: "a1", Key: "step0", Kind: models.StepKindText,
		Message: "Welcome {{user_name}}!", NextSteps: []string{"step1"},
	}
	engine, _ := testEngine(step0)
	conv := testConversation()
	conv.CurrentStep = "step0"

	out := engine.InitialPrompt(context.Background(), conv, testUser(), step0)
	if out.Payload.Type != models.PayloadTypeText {
		t.Fatalf("expected text payload, got %s", out.Payload.Type)
	}
	if out.Payload.Text != "Welcome Ada!" {
		t.Errorf("initial prompt = %q", out.Payload.Text)
	}
	if out.Delta.CurrentStep != nil || out.Delta.Status != nil {
		t.Error("initial prompt must not move the conversation")
	}
}

func TestTransitionInvalidStaysAndIncrementsRepeat(t *testing.T) {
	step := emailStep()
	engine, _ := testEngine(step)
	conv := testConversation()

	vr := Validate(step, "not an email")
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "not an email", vr, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Delta.CurrentStep != nil {
		t.Error("current step must not change on validation failure")
	}
	if out.Delta.State == nil || out.Delta.State.RepeatCount != 1 {
		t.Errorf("expected repeat count 1, got %+v", out.Delta.State)
	}
	if !strings.Contains(out.Payload.PromptText(), "email") {
		t.Errorf("expected retry prompt prefixed with email message, got %q", out.Payload.PromptText())
	}
}

func TestTransitionValidAdvancesAndCaptures(t *testing.T) {
	step := emailStep()
	step3 := models.AgentFlowStep{
		AgentID: "a1", Key: "step3", Kind: models.StepKindText,
		Message: "Thanks! We recorded {{email}}.", NextSteps: []string{"stop"},
	}
	engine, _ := testEngine(step, step3)
	conv := testConversation()

	vr := Validate(step, "user@example.com")
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "user@example.com", vr, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Delta.CurrentStep == nil || *out.Delta.CurrentStep != "step3" {
		t.Fatalf("expected advance to step3, got %+v", out.Delta.CurrentStep)
	}
	if out.Delta.State.Vars["email"] != "user@example.com" {
		t.Errorf("expected captured email, got %+v", out.Delta.State.Vars)
	}
	if out.Payload.Text != "Thanks! We recorded user@example.com." {
		t.Errorf("rendered next prompt = %q", out.Payload.Text)
	}
}

func TestTransitionOptionPostbackOverridesNextStep(t *testing.T) {
	step := quickReplyStep()
	step2 := models.AgentFlowStep{AgentID: "a1", Key: "step2", Kind: models.StepKindText, Message: "Great!"}
	engine, _ := testEngine(step, step2)
	conv := testConversation()
	conv.CurrentStep = "step1"

	vr := Validate(step, "yes")
	if !vr.Valid || vr.Value != "Yes" {
		t.Fatalf("expected valid canonical capture, got %+v", vr)
	}
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "yes", vr, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Delta.CurrentStep == nil || *out.Delta.CurrentStep != "step2" {
		t.Errorf("expected postback-derived advance to step2, got %+v", out.Delta.CurrentStep)
	}
}

func TestTransitionStopCompletes(t *testing.T) {
	step := quickReplyStep()
	engine, _ := testEngine(step)
	conv := testConversation()
	conv.CurrentStep = "step1"

	vr := Validate(step, "No") // postback "stop/no"
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "No", vr, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Completed {
		t.Fatal("expected completion")
	}
	if out.Delta.Status == nil || *out.Delta.Status != models.ConversationStatusCompleted {
		t.Errorf("expected completed status, got %+v", out.Delta.Status)
	}
	if out.Payload.Text != MsgCompleted {
		t.Errorf("completion message = %q", out.Payload.Text)
	}
}

func TestTransitionMissingNextStepLeavesStepUntouched(t *testing.T) {
	step := emailStep() // next step "step3" not registered
	engine, _ := testEngine(step)
	conv := testConversation()

	vr := Validate(step, "user@example.com")
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "user@example.com", vr, nil)
	if err == nil {
		t.Fatal("expected error for missing next step")
	}
	if !errors.Is(err, models.ErrStepNotFound) {
		t.Errorf("expected ErrStepNotFound, got %v", err)
	}
	if out.Delta.CurrentStep != nil {
		t.Error("current step must not change when the successor is missing")
	}
}

func TestAITransformStagesConfirmation(t *testing.T) {
	step := emailStep()
	engine, _ := testEngine(step)
	conv := testConversation()

	ai := &models.AIResponse{Type: models.AIResponseTransform, Msg: "Did you mean user@example.com?", Value: "user@example.com", Confidence: 0.9}
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "my email is user at example dot com", models.ValidationResult{}, ai)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Delta.CurrentStep != nil {
		t.Error("transform must not advance the step")
	}
	pending := out.Delta.State.Pending
	if pending == nil || pending.Value != "user@example.com" || pending.Kind != models.PendingKindValue {
		t.Fatalf("expected staged confirmation, got %+v", pending)
	}
	if out.Payload.Type != models.PayloadTypeQuickReply {
		t.Fatalf("expected quick reply confirmation, got %s", out.Payload.Type)
	}
	if out.Payload.Options[0].PostbackText != PostbackConfirmYes {
		t.Errorf("expected confirm_yes postback, got %+v", out.Payload.Options)
	}
}

func TestConfirmYesCommitsAndAdvances(t *testing.T) {
	step := emailStep()
	step3 := models.AgentFlowStep{AgentID: "a1", Key: "step3", Kind: models.StepKindText, Message: "Next"}
	engine, _ := testEngine(step, step3)
	conv := testConversation()
	conv.State.Pending = &models.PendingConfirmation{
		Kind: models.PendingKindValue, Variable: "email", Value: "user@example.com", Step: "step2",
	}

	out, err := engine.Transition(context.Background(), conv, testUser(), step, "confirm_yes", models.ValidationResult{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Delta.State.Vars["email"] != "user@example.com" {
		t.Errorf("expected committed value, got %+v", out.Delta.State.Vars)
	}
	if out.Delta.State.Pending != nil {
		t.Error("pending confirmation must be cleared")
	}
	if out.Delta.CurrentStep == nil || *out.Delta.CurrentStep != "step3" {
		t.Errorf("expected advance to step3, got %+v", out.Delta.CurrentStep)
	}
}

func TestConfirmNoDiscardsAndReasks(t *testing.T) {
	step := emailStep()
	engine, _ := testEngine(step)
	conv := testConversation()
	conv.State.Pending = &models.PendingConfirmation{
		Kind: models.PendingKindValue, Variable: "email", Value: "user@example.com", Step: "step2",
	}

	out, err := engine.Transition(context.Background(), conv, testUser(), step, "confirm_no", models.ValidationResult{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Delta.State.Pending != nil {
		t.Error("pending confirmation must be cleared")
	}
	if _, ok := out.Delta.State.Vars["email"]; ok {
		t.Error("discarded value must not be committed")
	}
	if out.Payload.PromptText() != "What's your email?" {
		t.Errorf("expected re-asked step prompt, got %q", out.Payload.PromptText())
	}
}

func TestConfirmWithoutPending(t *testing.T) {
	step := emailStep()
	engine, _ := testEngine(step)
	conv := testConversation()

	out, err := engine.Transition(context.Background(), conv, testUser(), step, "confirm_yes", models.ValidationResult{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Payload.Text != MsgNothingToConfirm {
		t.Errorf("expected nothing-to-confirm reply, got %q", out.Payload.Text)
	}
}

func TestAIValidInputSubstitutesMessage(t *testing.T) {
	step := emailStep()
	step3 := models.AgentFlowStep{AgentID: "a1", Key: "step3", Kind: models.StepKindText, Message: "Rendered next"}
	engine, _ := testEngine(step, step3)
	conv := testConversation()

	ai := &models.AIResponse{Type: models.AIResponseValidInput, Msg: "Got it, moving on!", Value: "user@example.com", Confidence: 0.95}
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "uh user@example.com I think", models.ValidationResult{}, ai)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Delta.CurrentStep == nil || *out.Delta.CurrentStep != "step3" {
		t.Fatalf("expected advance, got %+v", out.Delta.CurrentStep)
	}
	if out.Payload.PromptText() != "Got it, moving on!" {
		t.Errorf("expected AI message substitution, got %q", out.Payload.PromptText())
	}
	if out.Delta.State.Vars["email"] != "user@example.com" {
		t.Errorf("expected AI-extracted value captured, got %+v", out.Delta.State.Vars)
	}
}

func TestAIEscalateMarksConversation(t *testing.T) {
	step := emailStep()
	engine, _ := testEngine(step)
	conv := testConversation()

	ai := &models.AIResponse{Type: models.AIResponseEscalate, Msg: "", Confidence: 0.8}
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "let me talk to a human", models.ValidationResult{}, ai)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Escalated {
		t.Fatal("expected escalation")
	}
	if out.Delta.Status == nil || *out.Delta.Status != models.ConversationStatusEscalated {
		t.Errorf("expected escalated status, got %+v", out.Delta.Status)
	}
	if out.Payload.Text != MsgEscalated {
		t.Errorf("expected default escalation message, got %q", out.Payload.Text)
	}
}

func TestAIInvalidInputIncrementsRepeat(t *testing.T) {
	step := emailStep()
	engine, _ := testEngine(step)
	conv := testConversation()
	conv.State.RepeatCount = 2

	ai := &models.AIResponse{Type: models.AIResponseInvalidInput, Msg: "That still isn't an email.", Confidence: 0.7}
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "blah", models.ValidationResult{}, ai)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Delta.State.RepeatCount != 3 {
		t.Errorf("expected repeat count 3, got %d", out.Delta.State.RepeatCount)
	}
	if out.Delta.CurrentStep != nil {
		t.Error("invalid input must not advance the step")
	}
}

func TestAIGreetingRepliesWithoutAdvancing(t *testing.T) {
	step := emailStep()
	engine, _ := testEngine(step)
	conv := testConversation()

	ai := &models.AIResponse{Type: models.AIResponseGreeting, Msg: "Hello! Let's continue.", Confidence: 0.9}
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "hi there", models.ValidationResult{}, ai)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Payload.Text != "Hello! Let's continue." {
		t.Errorf("greeting reply = %q", out.Payload.Text)
	}
	if out.Delta.CurrentStep != nil || out.Delta.State.RepeatCount != 0 {
		t.Error("greeting must not advance or count as a failure")
	}
}

func TestAIRestartOffersChoiceAndRestarts(t *testing.T) {
	step0 := models.AgentFlowStep{AgentID: "a1", Key: "step0", Kind: models.StepKindText, Message: "Welcome back"}
	step := emailStep()
	engine, _ := testEngine(step0, step)
	conv := testConversation()

	ai := &models.AIResponse{Type: models.AIResponseRestart, Confidence: 0.85}
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "can we start over", models.ValidationResult{}, ai)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Delta.State.Pending == nil || out.Delta.State.Pending.Kind != models.PendingKindRestart {
		t.Fatalf("expected restart pending, got %+v", out.Delta.State.Pending)
	}
	if out.Payload.Type != models.PayloadTypeQuickReply {
		t.Fatalf("expected restart quick reply, got %s", out.Payload.Type)
	}

	// Accept the restart.
	conv.State = *out.Delta.State
	out2, err := engine.Transition(context.Background(), conv, testUser(), step, "confirm_yes", models.ValidationResult{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out2.Delta.CurrentStep == nil || *out2.Delta.CurrentStep != models.EntryStepKey {
		t.Errorf("expected reset to entry step, got %+v", out2.Delta.CurrentStep)
	}
	if out2.Payload.Text != "Welcome back" {
		t.Errorf("expected entry prompt, got %q", out2.Payload.Text)
	}
}

func TestConfigErrorReturnsSafeMessage(t *testing.T) {
	step := emailStep()
	step.Regex = `([broken`
	engine, _ := testEngine(step)
	conv := testConversation()

	vr := Validate(step, "anything")
	out, err := engine.Transition(context.Background(), conv, testUser(), step, "anything", vr, nil)
	if err != nil {
		t.Fatalf("config errors must not become transition errors: %v", err)
	}
	if out.Payload.Text != MsgConfigError {
		t.Errorf("expected config error message, got %q", out.Payload.Text)
	}
	if out.Delta.State.RepeatCount != 0 {
		t.Error("config errors must not count against the user")
	}
}

func TestListStepRendersListPayload(t *testing.T) {
	list := models.AgentFlowStep{
		AgentID: "a1", Key: "step1", Kind: models.StepKindList,
		Message: "Pick a department", Purpose: "Departments",
		Options: []models.StepOption{
			{Title: "Sales", Postback: "step2/sales"},
			{Title: "Support", Postback: "step3/support"},
		},
	}
	engine, _ := testEngine(list)
	conv := testConversation()
	conv.CurrentStep = "step1"

	out := engine.InitialPrompt(context.Background(), conv, testUser(), list)
	if out.Payload.Type != models.PayloadTypeList {
		t.Fatalf("expected list payload, got %s", out.Payload.Type)
	}
	if out.Payload.Body != "Pick a department" {
		t.Errorf("list body = %q", out.Payload.Body)
	}
	if len(out.Payload.Items) != 1 || len(out.Payload.Items[0].Options) != 2 {
		t.Errorf("list items = %+v", out.Payload.Items)
	}
}
