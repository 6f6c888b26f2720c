package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// Postback tokens used by engine-generated confirmation prompts.
const (
	PostbackConfirmYes = "confirm_yes"
	PostbackConfirmNo  = "confirm_no"
)

// Engine reply messages.
const (
	// MsgCompleted is sent when a flow reaches its end.
	MsgCompleted = "Thank you! That's everything we needed."
	// MsgEscalated is sent when a conversation is handed off to a human.
	MsgEscalated = "I'm connecting you with a member of our team. They'll be with you shortly."
	// MsgNothingToConfirm is sent for a confirm reply with no staged confirmation.
	MsgNothingToConfirm = "There's nothing waiting for confirmation right now."
	// MsgApology is the generic fallback when a transition fails unexpectedly.
	MsgApology = "Sorry, something went wrong on our side. Please try again in a moment."
	// MsgRestartPrompt offers a restart/continue choice.
	MsgRestartPrompt = "Would you like to start over?"
)

// Event names recorded in the conversation analytics log.
const (
	EventStepAdvanced          = "step_advanced"
	EventValidationFailed      = "validation_failed"
	EventConfigError           = "config_error"
	EventAIClassified          = "ai_classified"
	EventCompleted             = "completed"
	EventEscalated             = "escalated"
	EventConfirmationStaged    = "confirmation_staged"
	EventConfirmationCommitted = "confirmation_committed"
	EventConfirmationDiscarded = "confirmation_discarded"
	EventFlowRestarted         = "flow_restarted"
	EventConversationStarted   = "conversation_started"
)

// StepFinder loads flow steps by agent and key. Satisfied by the store.
type StepFinder interface {
	FindStep(ctx context.Context, agentID, key string) (*models.AgentFlowStep, error)
}

// Outcome is the result of one engine transition: the payload to deliver and
// the conversation delta to persist.
type Outcome struct {
	Payload   models.ResponsePayload
	Delta     models.ConversationDelta
	Completed bool
	Escalated bool
	// Events lists the analytics events this transition produced. They are
	// already appended to the staged state in Delta.
	Events []models.ConversationEvent
}

// EngineOpts holds configuration options for the flow engine.
type EngineOpts struct {
	Clock func() time.Time
}

// EngineOption defines a configuration option for the flow engine.
type EngineOption func(*EngineOpts)

// WithClock overrides the engine's time source (used in tests).
func WithClock(clock func() time.Time) EngineOption {
	return func(o *EngineOpts) { o.Clock = clock }
}

// Engine is the per-conversation state machine. States are step keys plus the
// terminal statuses; transitions are driven by validation results and optional
// AI classifications.
type Engine struct {
	steps StepFinder
	clock func() time.Time
}

// NewEngine creates a flow engine backed by the given step finder.
func NewEngine(steps StepFinder, opts ...EngineOption) *Engine {
	var cfg EngineOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{steps: steps, clock: cfg.Clock}
}

// transition is a mutable working copy of one engine invocation.
type transition struct {
	conv  *models.Conversation
	user  models.User
	state models.ConversationState
	out   Outcome
	now   time.Time
}

func (t *transition) record(name, step, info string) {
	ev := models.ConversationEvent{Name: name, Step: step, Info: info, At: t.now}
	t.state.Events = append(t.state.Events, ev)
	t.out.Events = append(t.out.Events, ev)
}

func (t *transition) commitState() {
	state := t.state
	t.out.Delta.State = &state
}

// InitialPrompt renders the entry step's message for a newly created
// conversation. No user input is consumed; the message is returned unmodified.
func (e *Engine) InitialPrompt(ctx context.Context, conv *models.Conversation, user models.User, step models.AgentFlowStep) Outcome {
	t := &transition{conv: conv, user: user, state: conv.State.Clone(), now: e.clock()}
	t.out.Payload = e.renderStep(step, t.state.Vars, user)
	t.record(EventConversationStarted, step.Key, "")
	t.commitState()
	slog.Debug("Engine initial prompt rendered", "conversation", conv.ID, "step", step.Key)
	return t.out
}

// Transition applies one user reply to the conversation state machine.
// rawText is the reply as received; vr is the step validator's verdict; ai is
// the AI bridge classification when takeover ran, nil otherwise.
func (e *Engine) Transition(ctx context.Context, conv *models.Conversation, user models.User, step models.AgentFlowStep, rawText string, vr models.ValidationResult, ai *models.AIResponse) (Outcome, error) {
	t := &transition{conv: conv, user: user, state: conv.State.Clone(), now: e.clock()}

	// Confirmation replies are resolved before ordinary validation so that
	// branching steps are not re-interpreted as option selections.
	if handled, err := e.resolveConfirmation(ctx, t, step, rawText); handled || err != nil {
		return t.out, err
	}

	if ai != nil {
		return t.out, e.applyAI(ctx, t, step, rawText, *ai)
	}

	if !vr.Valid {
		e.applyInvalid(t, step, vr)
		return t.out, nil
	}

	if err := e.advance(ctx, t, step, vr.Value, vr.NextStep); err != nil {
		return t.out, err
	}
	return t.out, nil
}

// resolveConfirmation consumes a staged confirmation if the reply addresses
// one, and answers confirm tokens that arrive with nothing staged.
func (e *Engine) resolveConfirmation(ctx context.Context, t *transition, step models.AgentFlowStep, rawText string) (bool, error) {
	token := normalizeReply(rawText)
	isYes := token == PostbackConfirmYes || token == "yes"
	isNo := token == PostbackConfirmNo || token == "no"

	pending := t.state.Pending
	if pending == nil {
		if token == PostbackConfirmYes || token == PostbackConfirmNo {
			t.out.Payload = models.TextPayload(MsgNothingToConfirm)
			slog.Debug("Engine confirm token with no pending confirmation", "conversation", t.conv.ID)
			return true, nil
		}
		return false, nil
	}

	switch {
	case isYes && pending.Kind == models.PendingKindValue:
		if t.state.Vars == nil {
			t.state.Vars = make(map[string]string)
		}
		if pending.Variable != "" {
			t.state.Vars[pending.Variable] = pending.Value
		}
		t.state.Pending = nil
		t.record(EventConfirmationCommitted, step.Key, pending.Variable)
		if err := e.advance(ctx, t, step, "", ""); err != nil {
			return true, err
		}
		return true, nil

	case isYes && pending.Kind == models.PendingKindRestart:
		t.state.Pending = nil
		t.state.RepeatCount = 0
		t.record(EventFlowRestarted, models.EntryStepKey, "")
		entry, err := e.findStep(ctx, t.conv.AgentID, models.EntryStepKey)
		if err != nil {
			return true, err
		}
		t.out.Payload = e.renderStep(*entry, t.state.Vars, t.user)
		stepKey := models.EntryStepKey
		t.out.Delta.CurrentStep = &stepKey
		t.commitState()
		return true, nil

	case isNo:
		t.state.Pending = nil
		t.record(EventConfirmationDiscarded, step.Key, string(pending.Kind))
		// Re-ask the original step prompt.
		t.out.Payload = e.renderStep(step, t.state.Vars, t.user)
		t.commitState()
		return true, nil

	default:
		// Unrelated reply while a confirmation is staged: re-ask it.
		t.out.Payload = e.confirmationPrompt(*pending)
		t.commitState()
		return true, nil
	}
}

// applyInvalid handles a failed validation with no AI takeover: stay on the
// step, bump the repeat count, and retry with the rejection reason prefixed.
func (e *Engine) applyInvalid(t *transition, step models.AgentFlowStep, vr models.ValidationResult) {
	if vr.Kind == models.ValidationKindConfigError {
		t.record(EventConfigError, step.Key, vr.Reason)
		t.out.Payload = models.TextPayload(MsgConfigError)
		t.commitState()
		slog.Error("Engine step configuration error", "conversation", t.conv.ID, "step", step.Key)
		return
	}

	t.state.RepeatCount++
	t.record(EventValidationFailed, step.Key, string(vr.Kind))
	prompt := e.renderStep(step, t.state.Vars, t.user)
	t.out.Payload = prompt.WithPromptText(vr.Reason + "\n\n" + prompt.PromptText())
	t.commitState()
	slog.Debug("Engine validation failed, retrying step", "conversation", t.conv.ID, "step", step.Key, "repeat_count", t.state.RepeatCount)
}

// applyAI substitutes an AI classification for the validation outcome.
func (e *Engine) applyAI(ctx context.Context, t *transition, step models.AgentFlowStep, rawText string, ai models.AIResponse) error {
	t.record(EventAIClassified, step.Key, string(ai.Type))

	switch ai.Type {
	case models.AIResponseValidInput:
		value := ai.Value
		if value == "" {
			value = strings.TrimSpace(rawText)
		}
		if err := e.advance(ctx, t, step, value, ""); err != nil {
			return err
		}
		// The AI's message substitutes for the next step's rendered text.
		if ai.Msg != "" {
			t.out.Payload = t.out.Payload.WithPromptText(ai.Msg)
		}
		return nil

	case models.AIResponseTransform:
		t.state.RepeatCount = 0
		t.state.Pending = &models.PendingConfirmation{
			Kind:     models.PendingKindValue,
			Variable: step.Variable,
			Value:    ai.Value,
			Step:     step.Key,
			StagedAt: t.now,
		}
		t.record(EventConfirmationStaged, step.Key, step.Variable)
		t.out.Payload = e.confirmationPrompt(*t.state.Pending)
		if ai.Msg != "" {
			t.out.Payload = t.out.Payload.WithPromptText(ai.Msg)
		}
		t.commitState()
		return nil

	case models.AIResponseRestart:
		t.state.Pending = &models.PendingConfirmation{
			Kind:     models.PendingKindRestart,
			Step:     step.Key,
			StagedAt: t.now,
		}
		prompt := MsgRestartPrompt
		if ai.Msg != "" {
			prompt = ai.Msg
		}
		t.out.Payload = models.QuickReplyPayload(prompt, []models.PayloadOption{
			{Title: "Start over", PostbackText: PostbackConfirmYes},
			{Title: "Continue", PostbackText: PostbackConfirmNo},
		})
		t.commitState()
		return nil

	case models.AIResponseEscalate:
		status := models.ConversationStatusEscalated
		t.out.Delta.Status = &status
		t.out.Escalated = true
		t.record(EventEscalated, step.Key, "")
		msg := ai.Msg
		if msg == "" {
			msg = MsgEscalated
		}
		t.out.Payload = models.TextPayload(msg)
		t.commitState()
		slog.Info("Engine escalating conversation", "conversation", t.conv.ID, "step", step.Key)
		return nil

	case models.AIResponseInvalidInput, models.AIResponseProfanity:
		t.state.RepeatCount++
		msg := ai.Msg
		if msg == "" {
			msg = MsgGenericPattern
		}
		t.out.Payload = models.TextPayload(msg)
		t.commitState()
		return nil

	case models.AIResponseGreeting, models.AIResponseKBQuery:
		t.out.Payload = models.TextPayload(ai.Msg)
		t.commitState()
		return nil

	default:
		// The parser coerces unknown types; reaching here means a programming
		// error upstream. Degrade to an invalid-input reply.
		slog.Warn("Engine unknown AI response type", "type", ai.Type, "conversation", t.conv.ID)
		t.state.RepeatCount++
		t.out.Payload = models.TextPayload(MsgGenericPattern)
		t.commitState()
		return nil
	}
}

// advance captures the step's value, resolves the successor, and moves the
// conversation forward. An absent or "stop" successor completes the flow.
func (e *Engine) advance(ctx context.Context, t *transition, step models.AgentFlowStep, value, nextOverride string) error {
	if step.Variable != "" && value != "" {
		if t.state.Vars == nil {
			t.state.Vars = make(map[string]string)
		}
		t.state.Vars[step.Variable] = value
	}
	t.state.RepeatCount = 0

	nextKey := nextOverride
	if nextKey == "" {
		nextKey = step.FirstNextStep()
	}

	if nextKey == "" || nextKey == models.StepStop {
		status := models.ConversationStatusCompleted
		t.out.Delta.Status = &status
		t.out.Completed = true
		t.record(EventCompleted, step.Key, "")
		t.out.Payload = models.TextPayload(MsgCompleted)
		t.commitState()
		slog.Info("Engine conversation completed", "conversation", t.conv.ID, "final_step", step.Key)
		return nil
	}

	next, err := e.findStep(ctx, t.conv.AgentID, nextKey)
	if err != nil {
		// Leave current_step untouched so the conversation never points at a
		// step that does not exist.
		return err
	}

	t.record(EventStepAdvanced, nextKey, "")
	t.out.Payload = e.renderStep(*next, t.state.Vars, t.user)
	t.out.Delta.CurrentStep = &nextKey
	t.commitState()
	slog.Debug("Engine advanced step", "conversation", t.conv.ID, "from", step.Key, "to", nextKey)
	return nil
}

// findStep loads a step and maps missing steps onto ErrStepNotFound.
func (e *Engine) findStep(ctx context.Context, agentID, key string) (*models.AgentFlowStep, error) {
	step, err := e.steps.FindStep(ctx, agentID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load step %q for agent %s: %w", key, agentID, err)
	}
	if step == nil {
		return nil, fmt.Errorf("step %q for agent %s: %w", key, agentID, models.ErrStepNotFound)
	}
	return step, nil
}

// renderStep renders a step's message template into the outbound payload shape
// for its kind, personalizing against captured variables and system tokens.
func (e *Engine) renderStep(step models.AgentFlowStep, vars map[string]string, user models.User) models.ResponsePayload {
	rendered := RenderTemplate(step.Message, vars, SystemTokens(user, e.clock()))

	switch step.Kind {
	case models.StepKindQuickReply:
		return models.QuickReplyPayload(rendered, stepOptionsToPayload(step.Options))
	case models.StepKindList:
		title := step.Purpose
		if title == "" {
			title = "Options"
		}
		return models.ListPayload(title, rendered, nil, []models.ListSection{
			{Title: title, Options: stepOptionsToPayload(step.Options)},
		})
	default:
		return models.TextPayload(rendered)
	}
}

// confirmationPrompt builds the yes/no question for a staged confirmation.
func (e *Engine) confirmationPrompt(pending models.PendingConfirmation) models.ResponsePayload {
	if pending.Kind == models.PendingKindRestart {
		return models.QuickReplyPayload(MsgRestartPrompt, []models.PayloadOption{
			{Title: "Start over", PostbackText: PostbackConfirmYes},
			{Title: "Continue", PostbackText: PostbackConfirmNo},
		})
	}
	text := fmt.Sprintf("Just to confirm, did you mean %q?", pending.Value)
	return models.QuickReplyPayload(text, []models.PayloadOption{
		{Title: "Yes", PostbackText: PostbackConfirmYes},
		{Title: "No", PostbackText: PostbackConfirmNo},
	})
}

func stepOptionsToPayload(options []models.StepOption) []models.PayloadOption {
	out := make([]models.PayloadOption, 0, len(options))
	for _, opt := range options {
		out = append(out, models.PayloadOption{Title: opt.Title, PostbackText: opt.Postback})
	}
	return out
}
