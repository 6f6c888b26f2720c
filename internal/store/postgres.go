// Package store provides storage backends for ConvoPilot.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pqUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pqUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) FindUserByPhone(ctx context.Context, phone, channel string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, phone, name, channel, created_at, updated_at FROM users WHERE phone = $1 AND channel = $2`,
		phone, channel)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindUserByPhone failed", "error", err, "channel", channel)
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, phone, name, channel, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.Phone, nilIfEmpty(user.Name), user.Channel, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateUser failed", "error", err, "user", user.ID)
		return fmt.Errorf("failed to insert user %s: %w", user.ID, err)
	}
	slog.Debug("PostgresStore CreateUser succeeded", "user", user.ID, "channel", user.Channel)
	return nil
}

const postgresConversationColumns = `id, user_id, channel, agent_id, broadcast_id, current_step, status, state, created_at, updated_at`

func (s *PostgresStore) FindActiveConversation(ctx context.Context, userID, channel string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresConversationColumns+` FROM conversations
		 WHERE user_id = $1 AND channel = $2 AND status IN ('active', 'waiting', 'error')`,
		userID, channel)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindActiveConversation failed", "error", err, "user", userID)
		return nil, fmt.Errorf("failed to query active conversation: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) FindConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresConversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindConversation failed", "error", err, "conversation", id)
		return nil, fmt.Errorf("failed to query conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = models.ConversationStatusActive
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	stateJSON, err := json.Marshal(conv.State)
	if err != nil {
		return fmt.Errorf("failed to encode conversation state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+postgresConversationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		conv.ID, conv.UserID, conv.Channel, nilIfEmpty(conv.AgentID), nilIfEmpty(conv.BroadcastID),
		conv.CurrentStep, string(conv.Status), string(stateJSON), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			slog.Debug("PostgresStore CreateConversation duplicate active", "user", conv.UserID, "channel", conv.Channel)
			return fmt.Errorf("user %s on %s: %w", conv.UserID, conv.Channel, models.ErrDuplicateConversation)
		}
		slog.Error("PostgresStore CreateConversation failed", "error", err, "conversation", conv.ID)
		return fmt.Errorf("failed to insert conversation %s: %w", conv.ID, err)
	}
	slog.Debug("PostgresStore CreateConversation succeeded", "conversation", conv.ID, "user", conv.UserID)
	return nil
}

func (s *PostgresStore) PatchConversation(ctx context.Context, id string, delta models.ConversationDelta) (*models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+postgresConversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, models.ErrConversationNotFound)
	}
	if err != nil {
		slog.Error("PostgresStore PatchConversation load failed", "error", err, "conversation", id)
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if c.Status.IsTerminal() {
		return nil, fmt.Errorf("conversation %s status %s: %w", id, c.Status, models.ErrTerminalConversation)
	}

	applyDelta(&c, delta)
	c.UpdatedAt = time.Now()

	stateJSON, err := json.Marshal(c.State)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation state: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET agent_id = $1, current_step = $2, status = $3, state = $4, updated_at = $5 WHERE id = $6`,
		nilIfEmpty(c.AgentID), c.CurrentStep, string(c.Status), string(stateJSON), c.UpdatedAt, id)
	if err != nil {
		slog.Error("PostgresStore PatchConversation update failed", "error", err, "conversation", id)
		return nil, fmt.Errorf("failed to update conversation %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit conversation patch: %w", err)
	}
	slog.Debug("PostgresStore PatchConversation succeeded", "conversation", id, "step", c.CurrentStep, "status", string(c.Status))
	return &c, nil
}

func (s *PostgresStore) ListStaleConversations(ctx context.Context, cutoff time.Time) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postgresConversationColumns+` FROM conversations
		 WHERE status IN ('active', 'waiting', 'error') AND updated_at < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore ListStaleConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query stale conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			slog.Error("PostgresStore ListStaleConversations scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	return convs, nil
}

func (s *PostgresStore) FindAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, business_id, name, status, keywords, persona, global_rules FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindAgent failed", "error", err, "agent", id)
		return nil, fmt.Errorf("failed to query agent %s: %w", id, err)
	}
	return &a, nil
}

func (s *PostgresStore) FindAgentsByBusiness(ctx context.Context, businessID string) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, business_id, name, status, keywords, persona, global_rules FROM agents WHERE business_id = $1 ORDER BY id`,
		businessID)
	if err != nil {
		slog.Error("PostgresStore FindAgentsByBusiness query failed", "error", err, "business", businessID)
		return nil, fmt.Errorf("failed to query agents for business %s: %w", businessID, err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			slog.Error("PostgresStore FindAgentsByBusiness scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent rows: %w", err)
	}
	return agents, nil
}

func (s *PostgresStore) SaveAgent(ctx context.Context, agent models.Agent) error {
	keywordsJSON, err := marshalOrEmpty(agent.Keywords, len(agent.Keywords))
	if err != nil {
		return fmt.Errorf("failed to encode agent keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, business_id, name, status, keywords, persona, global_rules)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   business_id = EXCLUDED.business_id, name = EXCLUDED.name, status = EXCLUDED.status,
		   keywords = EXCLUDED.keywords, persona = EXCLUDED.persona, global_rules = EXCLUDED.global_rules`,
		agent.ID, agent.BusinessID, agent.Name, string(agent.Status),
		keywordsJSON, nilIfEmpty(agent.Persona), nilIfEmpty(agent.GlobalRules))
	if err != nil {
		slog.Error("PostgresStore SaveAgent failed", "error", err, "agent", agent.ID)
		return fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
	}
	slog.Debug("PostgresStore SaveAgent succeeded", "agent", agent.ID, "status", string(agent.Status))
	return nil
}

const postgresStepColumns = `agent_id, step_key, kind, message, regex, mandatory, variable, next_steps, purpose, ai_takeover, options`

func (s *PostgresStore) FindStep(ctx context.Context, agentID, key string) (*models.AgentFlowStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresStepColumns+` FROM agent_flow_steps WHERE agent_id = $1 AND step_key = $2`,
		agentID, key)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindStep failed", "error", err, "agent", agentID, "step", key)
		return nil, fmt.Errorf("failed to query step %s/%s: %w", agentID, key, err)
	}
	return &step, nil
}

func (s *PostgresStore) FindStepsByAgent(ctx context.Context, agentID string) ([]models.AgentFlowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postgresStepColumns+` FROM agent_flow_steps WHERE agent_id = $1 ORDER BY step_key`, agentID)
	if err != nil {
		slog.Error("PostgresStore FindStepsByAgent query failed", "error", err, "agent", agentID)
		return nil, fmt.Errorf("failed to query steps for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var steps []models.AgentFlowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			slog.Error("PostgresStore FindStepsByAgent scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate step rows: %w", err)
	}
	return steps, nil
}

func (s *PostgresStore) SaveStep(ctx context.Context, step models.AgentFlowStep) error {
	nextStepsJSON, err := marshalOrEmpty(step.NextSteps, len(step.NextSteps))
	if err != nil {
		return fmt.Errorf("failed to encode step next steps: %w", err)
	}
	optionsJSON, err := marshalOrEmpty(step.Options, len(step.Options))
	if err != nil {
		return fmt.Errorf("failed to encode step options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_flow_steps (`+postgresStepColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (agent_id, step_key) DO UPDATE SET
		   kind = EXCLUDED.kind, message = EXCLUDED.message, regex = EXCLUDED.regex,
		   mandatory = EXCLUDED.mandatory, variable = EXCLUDED.variable, next_steps = EXCLUDED.next_steps,
		   purpose = EXCLUDED.purpose, ai_takeover = EXCLUDED.ai_takeover, options = EXCLUDED.options`,
		step.AgentID, step.Key, string(step.Kind), step.Message, nilIfEmpty(step.Regex), step.Mandatory,
		nilIfEmpty(step.Variable), nextStepsJSON, nilIfEmpty(step.Purpose), step.AITakeover, optionsJSON)
	if err != nil {
		slog.Error("PostgresStore SaveStep failed", "error", err, "agent", step.AgentID, "step", step.Key)
		return fmt.Errorf("failed to save step %s/%s: %w", step.AgentID, step.Key, err)
	}
	return nil
}

func (s *PostgresStore) FindBroadcast(ctx context.Context, id string) (*models.Broadcast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, business_id, type, mapping, default_message FROM broadcasts WHERE id = $1`, id)
	b, err := scanBroadcast(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindBroadcast failed", "error", err, "broadcast", id)
		return nil, fmt.Errorf("failed to query broadcast %s: %w", id, err)
	}
	return &b, nil
}

func (s *PostgresStore) SaveBroadcast(ctx context.Context, broadcast models.Broadcast) error {
	mappingJSON, err := marshalOrEmpty(broadcast.Mapping, len(broadcast.Mapping))
	if err != nil {
		return fmt.Errorf("failed to encode broadcast mapping: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broadcasts (id, business_id, type, mapping, default_message)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   business_id = EXCLUDED.business_id, type = EXCLUDED.type,
		   mapping = EXCLUDED.mapping, default_message = EXCLUDED.default_message`,
		broadcast.ID, broadcast.BusinessID, string(broadcast.Type), mappingJSON, nilIfEmpty(broadcast.DefaultMessage))
	if err != nil {
		slog.Error("PostgresStore SaveBroadcast failed", "error", err, "broadcast", broadcast.ID)
		return fmt.Errorf("failed to save broadcast %s: %w", broadcast.ID, err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, conversationID string, event models.ConversationEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_events (conversation_id, name, step, info, at) VALUES ($1, $2, $3, $4, $5)`,
		conversationID, event.Name, nilIfEmpty(event.Step), nilIfEmpty(event.Info), event.At)
	if err != nil {
		slog.Error("PostgresStore AppendEvent failed", "error", err, "conversation", conversationID, "event", event.Name)
		return fmt.Errorf("failed to insert event for conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, conversationID string) ([]models.ConversationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, step, info, at FROM conversation_events WHERE conversation_id = $1 ORDER BY id`, conversationID)
	if err != nil {
		slog.Error("PostgresStore ListEvents query failed", "error", err, "conversation", conversationID)
		return nil, fmt.Errorf("failed to query events for conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var events []models.ConversationEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return events, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// isPostgresUniqueViolation reports whether the error came from a unique
// constraint or the partial active-conversation index.
func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}
