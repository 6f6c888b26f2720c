// Package store provides storage backends for ConvoPilot.
//
// It includes an in-memory store for tests and development plus persistent
// SQLite and PostgreSQL stores sharing one schema shape. All backends enforce
// the single-active-conversation invariant per (user, channel) pair.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// Store is the persistence surface used by the webhook pipeline and the
// management API. Lookups return (nil, nil) when the row does not exist;
// errors are reserved for storage failures.
type Store interface {
	// FindUserByPhone looks up a user by phone number and channel.
	FindUserByPhone(ctx context.Context, phone, channel string) (*models.User, error)
	// CreateUser persists a new user, assigning ID and timestamps when unset.
	CreateUser(ctx context.Context, user *models.User) error

	// FindActiveConversation returns the single non-terminal conversation for
	// a (user, channel) pair, if one exists.
	FindActiveConversation(ctx context.Context, userID, channel string) (*models.Conversation, error)
	// FindConversation looks up a conversation by ID.
	FindConversation(ctx context.Context, id string) (*models.Conversation, error)
	// CreateConversation persists a new conversation, assigning ID and
	// timestamps when unset. Returns models.ErrDuplicateConversation if an
	// active conversation already exists for the (user, channel) pair.
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	// PatchConversation applies a partial update by ID. Nil delta fields are
	// left untouched. Returns models.ErrTerminalConversation when the stored
	// conversation is already in a terminal status, and
	// models.ErrConversationNotFound when the ID is unknown.
	PatchConversation(ctx context.Context, id string, delta models.ConversationDelta) (*models.Conversation, error)
	// ListStaleConversations returns non-terminal conversations whose last
	// update is older than the cutoff.
	ListStaleConversations(ctx context.Context, cutoff time.Time) ([]models.Conversation, error)

	// FindAgent looks up an agent by ID.
	FindAgent(ctx context.Context, id string) (*models.Agent, error)
	// FindAgentsByBusiness lists all agents owned by a business.
	FindAgentsByBusiness(ctx context.Context, businessID string) ([]models.Agent, error)
	// SaveAgent inserts or replaces an agent definition.
	SaveAgent(ctx context.Context, agent models.Agent) error

	// FindStep looks up one flow step by agent and step key.
	FindStep(ctx context.Context, agentID, key string) (*models.AgentFlowStep, error)
	// FindStepsByAgent lists all flow steps of an agent.
	FindStepsByAgent(ctx context.Context, agentID string) ([]models.AgentFlowStep, error)
	// SaveStep inserts or replaces one flow step.
	SaveStep(ctx context.Context, step models.AgentFlowStep) error

	// FindBroadcast looks up a broadcast by ID.
	FindBroadcast(ctx context.Context, id string) (*models.Broadcast, error)
	// SaveBroadcast inserts or replaces a broadcast definition.
	SaveBroadcast(ctx context.Context, broadcast models.Broadcast) error

	// AppendEvent records one analytics event for a conversation.
	AppendEvent(ctx context.Context, conversationID string, event models.ConversationEvent) error
	// ListEvents returns a conversation's events in append order.
	ListEvents(ctx context.Context, conversationID string) ([]models.ConversationEvent, error)

	// Close releases the backend's resources.
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	// DSN is the database connection string (file path for SQLite).
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite file path as the DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string as the DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite3" so callers can
// pick the matching backend. Anything that is not recognizably PostgreSQL is
// treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// activeStatuses are the conversation statuses counted against the
// single-active-conversation invariant.
var activeStatuses = []models.ConversationStatus{
	models.ConversationStatusActive,
	models.ConversationStatusWaiting,
	models.ConversationStatusError,
}

func isActiveStatus(s models.ConversationStatus) bool {
	for _, a := range activeStatuses {
		if s == a {
			return true
		}
	}
	return false
}
