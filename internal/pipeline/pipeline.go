// Package pipeline orchestrates one webhook delivery end to end: rate
// limiting, user and conversation lookup, agent resolution, validation,
// optional AI takeover, the flow transition, persistence, and analytics.
//
// Deliveries for the same (sender, channel) pair are serialized by a keyed
// lock; deliveries for different conversations proceed concurrently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/flow"
	"github.com/ConvoPilot/ConvoPilot/internal/models"
	"github.com/ConvoPilot/ConvoPilot/internal/ratelimit"
	"github.com/ConvoPilot/ConvoPilot/internal/resolver"
)

// User-facing messages for pipeline-level rejections.
const (
	// MsgRateLimited is returned when a user exhausts their message quota.
	MsgRateLimited = "You're sending messages a little too quickly. Please wait a moment and try again."
	// MsgNoAgents is returned when no usable agent can take the conversation.
	MsgNoAgents = "We can't take your message right now. Please try again later."
)

// DefaultPersistTimeout bounds the final conversation patch so a slow
// database cannot hold the webhook response indefinitely.
const DefaultPersistTimeout = 5 * time.Second

// Store is the persistence surface the pipeline needs.
type Store interface {
	FindUserByPhone(ctx context.Context, phone, channel string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	FindActiveConversation(ctx context.Context, userID, channel string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	PatchConversation(ctx context.Context, id string, delta models.ConversationDelta) (*models.Conversation, error)
	FindStep(ctx context.Context, agentID, key string) (*models.AgentFlowStep, error)
	FindAgent(ctx context.Context, id string) (*models.Agent, error)
	FindAgentsByBusiness(ctx context.Context, businessID string) ([]models.Agent, error)
	FindBroadcast(ctx context.Context, id string) (*models.Broadcast, error)
}

// Classifier is the AI bridge surface the pipeline needs.
type Classifier interface {
	Classify(ctx context.Context, user models.User, step models.AgentFlowStep, state models.ConversationState, rawText string, agent models.Agent) (models.AIResponse, error)
}

// Tracker records analytics events, best effort.
type Tracker interface {
	Track(ctx context.Context, conversationID string, event models.ConversationEvent)
}

// Sender delivers payloads out of band (push channels). Optional: when unset,
// payloads are only returned to the webhook caller.
type Sender interface {
	Send(ctx context.Context, to string, payload models.ResponsePayload) error
}

// Opts holds configuration options for the pipeline.
type Opts struct {
	Classifier     Classifier
	Tracker        Tracker
	Sender         Sender
	PersistTimeout time.Duration
}

// Option defines a configuration option for the pipeline.
type Option func(*Opts)

// WithClassifier enables AI takeover through the given classifier.
func WithClassifier(c Classifier) Option {
	return func(o *Opts) { o.Classifier = c }
}

// WithTracker sets the analytics tracker.
func WithTracker(t Tracker) Option {
	return func(o *Opts) { o.Tracker = t }
}

// WithSender sets an out-of-band delivery adapter.
func WithSender(s Sender) Option {
	return func(o *Opts) { o.Sender = s }
}

// WithPersistTimeout bounds the final conversation patch.
func WithPersistTimeout(d time.Duration) Option {
	return func(o *Opts) { o.PersistTimeout = d }
}

// Pipeline handles inbound messages.
type Pipeline struct {
	store          Store
	resolver       *resolver.Resolver
	engine         *flow.Engine
	limiter        *ratelimit.Limiter
	classifier     Classifier
	tracker        Tracker
	sender         Sender
	locks          *keyedMutex
	persistTimeout time.Duration
}

// NewPipeline wires the pipeline's collaborators together.
func NewPipeline(store Store, res *resolver.Resolver, engine *flow.Engine, limiter *ratelimit.Limiter, opts ...Option) *Pipeline {
	cfg := Opts{PersistTimeout: DefaultPersistTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{
		store:          store,
		resolver:       res,
		engine:         engine,
		limiter:        limiter,
		classifier:     cfg.Classifier,
		tracker:        cfg.Tracker,
		sender:         cfg.Sender,
		locks:          newKeyedMutex(),
		persistTimeout: cfg.PersistTimeout,
	}
}

// Handle processes one inbound message and returns the reply payload. A zero
// payload with a nil error means the message was silently dropped. Handle
// never panics: unexpected failures degrade to an apology reply.
func (p *Pipeline) Handle(ctx context.Context, msg models.InboundMessage) (payload models.ResponsePayload, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pipeline recovered from panic", "panic", r, "sender", msg.Sender, "service", msg.Service)
			payload = models.TextPayload(flow.MsgApology)
			err = nil
		}
	}()

	source := msg.WebhookContext[models.ContextKeySourceIP]
	userKey := msg.Sender + "|" + msg.Service

	// The user window is keyed by sender+service rather than the store's user
	// id, so the limiter can run before the user lookup and shed floods
	// without touching the database.
	if verdict := p.limiter.Check(source, userKey, msg.Text); !verdict.Allowed {
		if verdict.Reason == ratelimit.ReasonUserQuota {
			slog.Info("Pipeline rejecting message over user quota", "sender", msg.Sender, "service", msg.Service)
			return models.TextPayload(MsgRateLimited), nil
		}
		// Source-quota and content-heuristic rejections are dropped without a
		// reply so floods get no amplification.
		slog.Info("Pipeline dropping message", "reason", string(verdict.Reason), "service", msg.Service)
		return models.ResponsePayload{}, nil
	}

	unlock := p.locks.Lock(userKey)
	defer unlock()

	user, err := p.findOrCreateUser(ctx, msg)
	if err != nil {
		slog.Error("Pipeline failed to resolve user", "error", err, "service", msg.Service)
		return models.TextPayload(flow.MsgApology), nil
	}

	conv, err := p.store.FindActiveConversation(ctx, user.ID, msg.Service)
	if err != nil {
		slog.Error("Pipeline failed to load active conversation", "error", err, "user", user.ID)
		return models.TextPayload(flow.MsgApology), nil
	}
	if conv == nil {
		return p.startConversation(ctx, msg, user)
	}
	return p.continueConversation(ctx, msg, user, conv)
}

// findOrCreateUser looks the sender up by phone and channel, creating a record
// on first contact.
func (p *Pipeline) findOrCreateUser(ctx context.Context, msg models.InboundMessage) (models.User, error) {
	user, err := p.store.FindUserByPhone(ctx, msg.Sender, msg.Service)
	if err != nil {
		return models.User{}, err
	}
	if user != nil {
		return *user, nil
	}

	created := models.User{Phone: msg.Sender, Name: msg.SenderName, Channel: msg.Service}
	if err := p.store.CreateUser(ctx, &created); err != nil {
		return models.User{}, err
	}
	slog.Info("Pipeline created user on first contact", "user", created.ID, "channel", created.Channel)
	return created, nil
}

// startConversation resolves an agent for a first message, creates the
// conversation at the entry step, and returns the entry step's prompt without
// consuming the message as input.
func (p *Pipeline) startConversation(ctx context.Context, msg models.InboundMessage, user models.User) (models.ResponsePayload, error) {
	conv := models.Conversation{
		UserID:      user.ID,
		Channel:     msg.Service,
		BroadcastID: msg.WebhookContext[models.ContextKeyBroadcastID],
		CurrentStep: models.EntryStepKey,
		Status:      models.ConversationStatusActive,
	}

	agent, match, err := p.resolver.Resolve(ctx, &conv, p.businessID(msg), msg.Text)
	if err != nil {
		if errors.Is(err, models.ErrEmptyMapping) {
			return p.broadcastDefaultReply(ctx, conv.BroadcastID), nil
		}
		return p.errorReply(err, msg), nil
	}
	conv.AgentID = agent.ID

	if err := p.store.CreateConversation(ctx, &conv); err != nil {
		if errors.Is(err, models.ErrDuplicateConversation) {
			// Lost a race with a concurrent first message; fall through to the
			// conversation it created.
			existing, ferr := p.store.FindActiveConversation(ctx, user.ID, msg.Service)
			if ferr == nil && existing != nil {
				return p.continueConversation(ctx, msg, user, existing)
			}
		}
		slog.Error("Pipeline failed to create conversation", "error", err, "user", user.ID)
		return models.TextPayload(flow.MsgApology), nil
	}
	slog.Info("Pipeline started conversation",
		"conversation", conv.ID, "user", user.ID, "agent", agent.ID, "match", string(match))

	entry, err := p.loadStep(ctx, conv.AgentID, models.EntryStepKey)
	if err != nil {
		return p.errorReply(err, msg), nil
	}

	outcome := p.engine.InitialPrompt(ctx, &conv, user, *entry)
	return p.finish(ctx, msg, &conv, outcome)
}

// continueConversation applies one reply to an existing conversation.
func (p *Pipeline) continueConversation(ctx context.Context, msg models.InboundMessage, user models.User, conv *models.Conversation) (models.ResponsePayload, error) {
	boundAgent := conv.AgentID
	agent, match, err := p.resolver.Resolve(ctx, conv, p.businessID(msg), msg.Text)
	if err != nil {
		return p.errorReply(err, msg), nil
	}
	rebound := agent.ID != boundAgent
	if rebound {
		slog.Info("Pipeline rebinding conversation agent",
			"conversation", conv.ID, "from", boundAgent, "to", agent.ID, "match", string(match))
		conv.AgentID = agent.ID
	}

	step, err := p.loadStep(ctx, conv.AgentID, conv.CurrentStep)
	if err != nil {
		return p.errorReply(err, msg), nil
	}

	vr := flow.Validate(*step, msg.Text)

	var ai *models.AIResponse
	if !vr.Valid && step.AITakeover && conv.State.Pending == nil && p.classifier != nil {
		resp, cerr := p.classifier.Classify(ctx, user, *step, conv.State, msg.Text, agent)
		if cerr != nil {
			// The conversation stays on the current step; the user can retry.
			slog.Error("Pipeline AI classification failed", "error", cerr, "conversation", conv.ID, "step", step.Key)
			return models.TextPayload(flow.MsgApology), nil
		}
		ai = &resp
	}

	outcome, err := p.engine.Transition(ctx, conv, user, *step, msg.Text, vr, ai)
	if err != nil {
		return p.errorReply(err, msg), nil
	}
	if rebound {
		agentID := agent.ID
		outcome.Delta.AgentID = &agentID
	}
	return p.finish(ctx, msg, conv, outcome)
}

// finish persists the transition's delta, records its events, and hands the
// payload to the optional sender.
func (p *Pipeline) finish(ctx context.Context, msg models.InboundMessage, conv *models.Conversation, outcome flow.Outcome) (models.ResponsePayload, error) {
	if !outcome.Delta.IsEmpty() {
		patchCtx, cancel := context.WithTimeout(ctx, p.persistTimeout)
		defer cancel()
		if _, err := p.store.PatchConversation(patchCtx, conv.ID, outcome.Delta); err != nil {
			slog.Error("Pipeline failed to persist conversation delta", "error", err, "conversation", conv.ID)
			return models.TextPayload(flow.MsgApology), nil
		}
	}

	if p.tracker != nil {
		for _, event := range outcome.Events {
			p.tracker.Track(ctx, conv.ID, event)
		}
	}

	if p.sender != nil && !outcome.Payload.IsZero() {
		if err := p.sender.Send(ctx, msg.Sender, outcome.Payload); err != nil {
			slog.Error("Pipeline out-of-band send failed", "error", err, "conversation", conv.ID)
		}
	}
	return outcome.Payload, nil
}

// broadcastDefaultReply answers a broadcast reply whose mapping is empty with
// the broadcast's configured default message.
func (p *Pipeline) broadcastDefaultReply(ctx context.Context, broadcastID string) models.ResponsePayload {
	broadcast, err := p.store.FindBroadcast(ctx, broadcastID)
	if err != nil || broadcast == nil || broadcast.DefaultMessage == "" {
		slog.Error("Broadcast default message unavailable", "error", err, "broadcast", broadcastID)
		return models.TextPayload(flow.MsgConfigError)
	}
	slog.Info("Pipeline answered empty broadcast mapping with default message", "broadcast", broadcastID)
	return models.TextPayload(broadcast.DefaultMessage)
}

// businessID scopes agent resolution; the receiving number is the fallback
// when the webhook carries no explicit business.
func (p *Pipeline) businessID(msg models.InboundMessage) string {
	if id := msg.WebhookContext[models.ContextKeyBusinessID]; id != "" {
		return id
	}
	return msg.Receiver
}

// loadStep loads a step and maps missing steps onto ErrStepNotFound.
func (p *Pipeline) loadStep(ctx context.Context, agentID, key string) (*models.AgentFlowStep, error) {
	step, err := p.store.FindStep(ctx, agentID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load step %q for agent %s: %w", key, agentID, err)
	}
	if step == nil {
		return nil, fmt.Errorf("step %q for agent %s: %w", key, agentID, models.ErrStepNotFound)
	}
	return step, nil
}

// errorReply maps an internal error onto the user-visible reply for it.
// Nothing internal leaks into the message text.
func (p *Pipeline) errorReply(err error, msg models.InboundMessage) models.ResponsePayload {
	switch {
	case errors.Is(err, models.ErrNoActiveAgents), errors.Is(err, models.ErrAgentNotFound):
		slog.Error("Pipeline no agent available", "error", err, "service", msg.Service)
		return models.TextPayload(MsgNoAgents)
	case errors.Is(err, models.ErrStepNotFound), errors.Is(err, models.ErrBroadcastNotFound), errors.Is(err, models.ErrEmptyMapping):
		slog.Error("Pipeline flow configuration error", "error", err, "service", msg.Service)
		return models.TextPayload(flow.MsgConfigError)
	default:
		slog.Error("Pipeline transition failed", "error", err, "service", msg.Service)
		return models.TextPayload(flow.MsgApology)
	}
}
