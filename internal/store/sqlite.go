// Package store provides storage backends for ConvoPilot.
//
// This file implements a SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) FindUserByPhone(ctx context.Context, phone, channel string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, phone, name, channel, created_at, updated_at FROM users WHERE phone = ? AND channel = ?`,
		phone, channel)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindUserByPhone failed", "error", err, "channel", channel)
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, phone, name, channel, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Phone, nilIfEmpty(user.Name), user.Channel, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateUser failed", "error", err, "user", user.ID)
		return fmt.Errorf("failed to insert user %s: %w", user.ID, err)
	}
	slog.Debug("SQLiteStore CreateUser succeeded", "user", user.ID, "channel", user.Channel)
	return nil
}

const sqliteConversationColumns = `id, user_id, channel, agent_id, broadcast_id, current_step, status, state, created_at, updated_at`

func (s *SQLiteStore) FindActiveConversation(ctx context.Context, userID, channel string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteConversationColumns+` FROM conversations
		 WHERE user_id = ? AND channel = ? AND status IN ('active', 'waiting', 'error')`,
		userID, channel)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindActiveConversation failed", "error", err, "user", userID)
		return nil, fmt.Errorf("failed to query active conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) FindConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteConversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindConversation failed", "error", err, "conversation", id)
		return nil, fmt.Errorf("failed to query conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
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
		`INSERT INTO conversations (`+sqliteConversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Channel, nilIfEmpty(conv.AgentID), nilIfEmpty(conv.BroadcastID),
		conv.CurrentStep, string(conv.Status), string(stateJSON), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			slog.Debug("SQLiteStore CreateConversation duplicate active", "user", conv.UserID, "channel", conv.Channel)
			return fmt.Errorf("user %s on %s: %w", conv.UserID, conv.Channel, models.ErrDuplicateConversation)
		}
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "conversation", conv.ID)
		return fmt.Errorf("failed to insert conversation %s: %w", conv.ID, err)
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "conversation", conv.ID, "user", conv.UserID)
	return nil
}

func (s *SQLiteStore) PatchConversation(ctx context.Context, id string, delta models.ConversationDelta) (*models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sqliteConversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, models.ErrConversationNotFound)
	}
	if err != nil {
		slog.Error("SQLiteStore PatchConversation load failed", "error", err, "conversation", id)
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
		`UPDATE conversations SET agent_id = ?, current_step = ?, status = ?, state = ?, updated_at = ? WHERE id = ?`,
		nilIfEmpty(c.AgentID), c.CurrentStep, string(c.Status), string(stateJSON), c.UpdatedAt, id)
	if err != nil {
		slog.Error("SQLiteStore PatchConversation update failed", "error", err, "conversation", id)
		return nil, fmt.Errorf("failed to update conversation %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit conversation patch: %w", err)
	}
	slog.Debug("SQLiteStore PatchConversation succeeded", "conversation", id, "step", c.CurrentStep, "status", string(c.Status))
	return &c, nil
}

func (s *SQLiteStore) ListStaleConversations(ctx context.Context, cutoff time.Time) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteConversationColumns+` FROM conversations
		 WHERE status IN ('active', 'waiting', 'error') AND updated_at < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore ListStaleConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query stale conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			slog.Error("SQLiteStore ListStaleConversations scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	return convs, nil
}

func (s *SQLiteStore) FindAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, business_id, name, status, keywords, persona, global_rules FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindAgent failed", "error", err, "agent", id)
		return nil, fmt.Errorf("failed to query agent %s: %w", id, err)
	}
	return &a, nil
}

func (s *SQLiteStore) FindAgentsByBusiness(ctx context.Context, businessID string) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, business_id, name, status, keywords, persona, global_rules FROM agents WHERE business_id = ? ORDER BY id`,
		businessID)
	if err != nil {
		slog.Error("SQLiteStore FindAgentsByBusiness query failed", "error", err, "business", businessID)
		return nil, fmt.Errorf("failed to query agents for business %s: %w", businessID, err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			slog.Error("SQLiteStore FindAgentsByBusiness scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent rows: %w", err)
	}
	return agents, nil
}

func (s *SQLiteStore) SaveAgent(ctx context.Context, agent models.Agent) error {
	keywordsJSON, err := marshalOrEmpty(agent.Keywords, len(agent.Keywords))
	if err != nil {
		return fmt.Errorf("failed to encode agent keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (id, business_id, name, status, keywords, persona, global_rules)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.BusinessID, agent.Name, string(agent.Status),
		keywordsJSON, nilIfEmpty(agent.Persona), nilIfEmpty(agent.GlobalRules))
	if err != nil {
		slog.Error("SQLiteStore SaveAgent failed", "error", err, "agent", agent.ID)
		return fmt.Errorf("failed to save agent %s: %w", agent.ID, err)
	}
	slog.Debug("SQLiteStore SaveAgent succeeded", "agent", agent.ID, "status", string(agent.Status))
	return nil
}

const sqliteStepColumns = `agent_id, step_key, kind, message, regex, mandatory, variable, next_steps, purpose, ai_takeover, options`

func (s *SQLiteStore) FindStep(ctx context.Context, agentID, key string) (*models.AgentFlowStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM agent_flow_steps WHERE agent_id = ? AND step_key = ?`,
		agentID, key)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindStep failed", "error", err, "agent", agentID, "step", key)
		return nil, fmt.Errorf("failed to query step %s/%s: %w", agentID, key, err)
	}
	return &step, nil
}

func (s *SQLiteStore) FindStepsByAgent(ctx context.Context, agentID string) ([]models.AgentFlowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteStepColumns+` FROM agent_flow_steps WHERE agent_id = ? ORDER BY step_key`, agentID)
	if err != nil {
		slog.Error("SQLiteStore FindStepsByAgent query failed", "error", err, "agent", agentID)
		return nil, fmt.Errorf("failed to query steps for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var steps []models.AgentFlowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			slog.Error("SQLiteStore FindStepsByAgent scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate step rows: %w", err)
	}
	return steps, nil
}

func (s *SQLiteStore) SaveStep(ctx context.Context, step models.AgentFlowStep) error {
	nextStepsJSON, err := marshalOrEmpty(step.NextSteps, len(step.NextSteps))
	if err != nil {
		return fmt.Errorf("failed to encode step next steps: %w", err)
	}
	optionsJSON, err := marshalOrEmpty(step.Options, len(step.Options))
	if err != nil {
		return fmt.Errorf("failed to encode step options: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_flow_steps (`+sqliteStepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.AgentID, step.Key, string(step.Kind), step.Message, nilIfEmpty(step.Regex), step.Mandatory,
		nilIfEmpty(step.Variable), nextStepsJSON, nilIfEmpty(step.Purpose), step.AITakeover, optionsJSON)
	if err != nil {
		slog.Error("SQLiteStore SaveStep failed", "error", err, "agent", step.AgentID, "step", step.Key)
		return fmt.Errorf("failed to save step %s/%s: %w", step.AgentID, step.Key, err)
	}
	return nil
}

func (s *SQLiteStore) FindBroadcast(ctx context.Context, id string) (*models.Broadcast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, business_id, type, mapping, default_message FROM broadcasts WHERE id = ?`, id)
	b, err := scanBroadcast(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindBroadcast failed", "error", err, "broadcast", id)
		return nil, fmt.Errorf("failed to query broadcast %s: %w", id, err)
	}
	return &b, nil
}

func (s *SQLiteStore) SaveBroadcast(ctx context.Context, broadcast models.Broadcast) error {
	mappingJSON, err := marshalOrEmpty(broadcast.Mapping, len(broadcast.Mapping))
	if err != nil {
		return fmt.Errorf("failed to encode broadcast mapping: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO broadcasts (id, business_id, type, mapping, default_message) VALUES (?, ?, ?, ?, ?)`,
		broadcast.ID, broadcast.BusinessID, string(broadcast.Type), mappingJSON, nilIfEmpty(broadcast.DefaultMessage))
	if err != nil {
		slog.Error("SQLiteStore SaveBroadcast failed", "error", err, "broadcast", broadcast.ID)
		return fmt.Errorf("failed to save broadcast %s: %w", broadcast.ID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, conversationID string, event models.ConversationEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_events (conversation_id, name, step, info, at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, event.Name, nilIfEmpty(event.Step), nilIfEmpty(event.Info), event.At)
	if err != nil {
		slog.Error("SQLiteStore AppendEvent failed", "error", err, "conversation", conversationID, "event", event.Name)
		return fmt.Errorf("failed to insert event for conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, conversationID string) ([]models.ConversationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, step, info, at FROM conversation_events WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore ListEvents query failed", "error", err, "conversation", conversationID)
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// isSQLiteUniqueViolation reports whether the error came from a unique
// constraint or the partial active-conversation index.
func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
