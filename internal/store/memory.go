// Package store provides storage backends for ConvoPilot.
//
// This file implements an in-memory store used by tests and by deployments
// without a database DSN.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

type stepKey struct {
	agentID string
	key     string
}

// InMemoryStore keeps all records in process memory. Safe for concurrent use.
type InMemoryStore struct {
	mu            sync.RWMutex
	users         map[string]models.User
	conversations map[string]models.Conversation
	agents        map[string]models.Agent
	steps         map[stepKey]models.AgentFlowStep
	broadcasts    map[string]models.Broadcast
	events        map[string][]models.ConversationEvent
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:         make(map[string]models.User),
		conversations: make(map[string]models.Conversation),
		agents:        make(map[string]models.Agent),
		steps:         make(map[stepKey]models.AgentFlowStep),
		broadcasts:    make(map[string]models.Broadcast),
		events:        make(map[string][]models.ConversationEvent),
	}
}

func (s *InMemoryStore) FindUserByPhone(_ context.Context, phone, channel string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Phone == phone && u.Channel == channel {
			out := u
			return &out, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	s.users[user.ID] = *user
	return nil
}

func (s *InMemoryStore) FindActiveConversation(_ context.Context, userID, channel string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conv := s.findActiveLocked(userID, channel); conv != nil {
		out := *conv
		out.State = conv.State.Clone()
		return &out, nil
	}
	return nil, nil
}

// findActiveLocked requires at least a read lock.
func (s *InMemoryStore) findActiveLocked(userID, channel string) *models.Conversation {
	for id := range s.conversations {
		c := s.conversations[id]
		if c.UserID == userID && c.Channel == channel && isActiveStatus(c.Status) {
			return &c
		}
	}
	return nil
}

func (s *InMemoryStore) FindConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	out := c
	out.State = c.State.Clone()
	return &out, nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.findActiveLocked(conv.UserID, conv.Channel); existing != nil {
		return fmt.Errorf("user %s on %s: %w", conv.UserID, conv.Channel, models.ErrDuplicateConversation)
	}
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
	stored := *conv
	stored.State = conv.State.Clone()
	s.conversations[conv.ID] = stored
	return nil
}

func (s *InMemoryStore) PatchConversation(_ context.Context, id string, delta models.ConversationDelta) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, models.ErrConversationNotFound)
	}
	if c.Status.IsTerminal() {
		return nil, fmt.Errorf("conversation %s status %s: %w", id, c.Status, models.ErrTerminalConversation)
	}
	applyDelta(&c, delta)
	c.UpdatedAt = time.Now()
	s.conversations[id] = c
	out := c
	out.State = c.State.Clone()
	return &out, nil
}

func (s *InMemoryStore) ListStaleConversations(_ context.Context, cutoff time.Time) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if isActiveStatus(c.Status) && c.UpdatedAt.Before(cutoff) {
			stale := c
			stale.State = c.State.Clone()
			out = append(out, stale)
		}
	}
	return out, nil
}

func (s *InMemoryStore) FindAgent(_ context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	out := a
	return &out, nil
}

func (s *InMemoryStore) FindAgentsByBusiness(_ context.Context, businessID string) ([]models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Agent
	for _, a := range s.agents {
		if a.BusinessID == businessID {
			out = append(out, a)
		}
	}
	sortAgents(out)
	return out, nil
}

func (s *InMemoryStore) SaveAgent(_ context.Context, agent models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
	return nil
}

func (s *InMemoryStore) FindStep(_ context.Context, agentID, key string) (*models.AgentFlowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[stepKey{agentID, key}]
	if !ok {
		return nil, nil
	}
	out := step
	return &out, nil
}

func (s *InMemoryStore) FindStepsByAgent(_ context.Context, agentID string) ([]models.AgentFlowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AgentFlowStep
	for k, step := range s.steps {
		if k.agentID == agentID {
			out = append(out, step)
		}
	}
	sortSteps(out)
	return out, nil
}

func (s *InMemoryStore) SaveStep(_ context.Context, step models.AgentFlowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[stepKey{step.AgentID, step.Key}] = step
	return nil
}

func (s *InMemoryStore) FindBroadcast(_ context.Context, id string) (*models.Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return nil, nil
	}
	out := b
	return &out, nil
}

func (s *InMemoryStore) SaveBroadcast(_ context.Context, broadcast models.Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts[broadcast.ID] = broadcast
	return nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, conversationID string, event models.ConversationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[conversationID] = append(s.events[conversationID], event)
	return nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, conversationID string) ([]models.ConversationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ConversationEvent(nil), s.events[conversationID]...), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
