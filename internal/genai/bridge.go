package genai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
	"github.com/ConvoPilot/ConvoPilot/internal/retry"
)

// BridgeOpts holds configuration options for the AI bridge.
type BridgeOpts struct {
	Policy retry.Policy
}

// BridgeOption defines a configuration option for the AI bridge.
type BridgeOption func(*BridgeOpts)

// WithRetryPolicy overrides the provider-call retry policy.
func WithRetryPolicy(policy retry.Policy) BridgeOption {
	return func(o *BridgeOpts) { o.Policy = policy }
}

// Bridge builds classification prompts, invokes a chat client with bounded
// retries, and parses the structured reply.
type Bridge struct {
	client ChatClient
	policy retry.Policy
}

// NewBridge creates an AI bridge over the given chat client.
func NewBridge(client ChatClient, opts ...BridgeOption) *Bridge {
	cfg := BridgeOpts{Policy: retry.DefaultPolicy()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bridge{client: client, policy: cfg.Policy}
}

// Classify asks the model to interpret a user reply that failed (or skipped)
// rule-based validation. The provider call retries with exponential backoff;
// exhausting retries surfaces the last error. Parsing is total: once the
// provider answers, Classify always returns a well-formed response.
func (b *Bridge) Classify(ctx context.Context, user models.User, step models.AgentFlowStep, state models.ConversationState, rawText string, agent models.Agent) (models.AIResponse, error) {
	systemPrompt := BuildSystemPrompt(step, state, agent.Persona, agent.GlobalRules)
	history := []ChatMessage{{Role: "user", Content: rawText}}

	slog.Debug("AIBridge classifying reply",
		"user", user.ID, "step", step.Key, "agent", agent.ID, "reply_length", len(rawText))

	var reply string
	err := retry.Do(ctx, b.policy, func(ctx context.Context) error {
		var callErr error
		reply, callErr = b.client.Complete(ctx, systemPrompt, history)
		return callErr
	})
	if err != nil {
		slog.Error("AIBridge provider call failed after retries", "error", err, "user", user.ID, "step", step.Key)
		return models.AIResponse{}, fmt.Errorf("AI classification failed: %w", err)
	}

	response := ParseAIResponse(reply)
	slog.Info("AIBridge classified reply",
		"user", user.ID, "step", step.Key, "type", string(response.Type), "confidence", response.Confidence)
	return response, nil
}
