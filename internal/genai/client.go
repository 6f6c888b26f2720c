// Package genai implements the AI bridge: prompt construction, pluggable
// chat-completion providers, bounded retries, and the structured response
// contract used for AI takeover.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Provider identifies a backing model provider.
type Provider string

const (
	// ProviderOpenAI is the default chat-completion provider.
	ProviderOpenAI Provider = "openai"
)

// DefaultProvider is used when an unknown provider is requested.
const DefaultProvider = ProviderOpenAI

// ChatMessage is one turn in the message history sent to a provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient is the uniform request/response surface every provider exposes.
type ChatClient interface {
	// Complete sends a system prompt plus message history and returns the
	// model's raw text reply.
	Complete(ctx context.Context, systemPrompt string, history []ChatMessage) (string, error)
}

var providers = make(map[Provider]ChatClient)

// Register associates a provider name with a client implementation.
func Register(p Provider, client ChatClient) {
	providers[p] = client
}

// ForProvider returns the client for the given provider, degrading to the
// default provider rather than failing when the name is unknown.
func ForProvider(p Provider) (ChatClient, error) {
	if client, ok := providers[p]; ok {
		return client, nil
	}
	if client, ok := providers[DefaultProvider]; ok {
		slog.Warn("GenAI unknown provider, degrading to default", "requested", string(p), "default", string(DefaultProvider))
		return client, nil
	}
	return nil, fmt.Errorf("no client registered for provider %s and no default available", p)
}

// Opts holds configuration options for the OpenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option defines a configuration option for the OpenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key (overrides $OPENAI_API_KEY).
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for classification calls.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// OpenAIClient implements ChatClient using the OpenAI chat completions API.
type OpenAIClient struct {
	client openai.Client
	model  openai.ChatModel
}

// NewOpenAIClient initializes an OpenAI-backed chat client, falling back to
// the OPENAI_API_KEY environment variable when no key option is provided.
func NewOpenAIClient(opts ...Option) (*OpenAIClient, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	slog.Debug("GenAI OpenAI client created", "model", string(cfg.Model))

	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

// Complete sends the prompt and history to the OpenAI chat completions API.
func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt string, history []ChatMessage) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, m := range history {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("GenAI OpenAI completion failed", "error", err)
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("openai completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
