package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalOrEmpty renders v as JSON, returning nil for empty slices so the
// column stays NULL instead of holding "[]" or "null".
func marshalOrEmpty(v interface{}, length int) (interface{}, error) {
	if length == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// applyDelta copies the delta's non-nil fields onto the conversation.
func applyDelta(conv *models.Conversation, delta models.ConversationDelta) {
	if delta.CurrentStep != nil {
		conv.CurrentStep = *delta.CurrentStep
	}
	if delta.Status != nil {
		conv.Status = *delta.Status
	}
	if delta.AgentID != nil {
		conv.AgentID = *delta.AgentID
	}
	if delta.State != nil {
		conv.State = delta.State.Clone()
	}
}

// sortAgents orders agents by ID so listings are deterministic across backends.
func sortAgents(agents []models.Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
}

// sortSteps orders steps by key so listings are deterministic across backends.
func sortSteps(steps []models.AgentFlowStep) {
	sort.Slice(steps, func(i, j int) bool { return steps[i].Key < steps[j].Key })
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanUser scans a user row in column order
// (id, phone, name, channel, created_at, updated_at).
func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	var name sql.NullString
	if err := row.Scan(&u.ID, &u.Phone, &name, &u.Channel, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return u, err
	}
	u.Name = name.String
	return u, nil
}

// scanConversation scans a conversation row in column order
// (id, user_id, channel, agent_id, broadcast_id, current_step, status, state, created_at, updated_at).
func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var agentID, broadcastID, stateJSON sql.NullString
	var status string
	err := row.Scan(&c.ID, &c.UserID, &c.Channel, &agentID, &broadcastID,
		&c.CurrentStep, &status, &stateJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.AgentID = agentID.String
	c.BroadcastID = broadcastID.String
	c.Status = models.ConversationStatus(status)
	if stateJSON.String != "" {
		if err := json.Unmarshal([]byte(stateJSON.String), &c.State); err != nil {
			return c, fmt.Errorf("failed to decode conversation %s state: %w", c.ID, err)
		}
	}
	return c, nil
}

// scanAgent scans an agent row in column order
// (id, business_id, name, status, keywords, persona, global_rules).
func scanAgent(row rowScanner) (models.Agent, error) {
	var a models.Agent
	var keywordsJSON, persona, globalRules sql.NullString
	var status string
	err := row.Scan(&a.ID, &a.BusinessID, &a.Name, &status, &keywordsJSON, &persona, &globalRules)
	if err != nil {
		return a, err
	}
	a.Status = models.AgentStatus(status)
	a.Persona = persona.String
	a.GlobalRules = globalRules.String
	if keywordsJSON.String != "" {
		if err := json.Unmarshal([]byte(keywordsJSON.String), &a.Keywords); err != nil {
			return a, fmt.Errorf("failed to decode agent %s keywords: %w", a.ID, err)
		}
	}
	return a, nil
}

// scanStep scans a flow step row in column order
// (agent_id, step_key, kind, message, regex, mandatory, variable, next_steps, purpose, ai_takeover, options).
func scanStep(row rowScanner) (models.AgentFlowStep, error) {
	var s models.AgentFlowStep
	var regex, variable, nextStepsJSON, purpose, optionsJSON sql.NullString
	var kind string
	err := row.Scan(&s.AgentID, &s.Key, &kind, &s.Message, &regex, &s.Mandatory,
		&variable, &nextStepsJSON, &purpose, &s.AITakeover, &optionsJSON)
	if err != nil {
		return s, err
	}
	s.Kind = models.StepKind(kind)
	s.Regex = regex.String
	s.Variable = variable.String
	s.Purpose = purpose.String
	if nextStepsJSON.String != "" {
		if err := json.Unmarshal([]byte(nextStepsJSON.String), &s.NextSteps); err != nil {
			return s, fmt.Errorf("failed to decode step %s/%s next steps: %w", s.AgentID, s.Key, err)
		}
	}
	if optionsJSON.String != "" {
		if err := json.Unmarshal([]byte(optionsJSON.String), &s.Options); err != nil {
			return s, fmt.Errorf("failed to decode step %s/%s options: %w", s.AgentID, s.Key, err)
		}
	}
	return s, nil
}

// scanBroadcast scans a broadcast row in column order
// (id, business_id, type, mapping, default_message).
func scanBroadcast(row rowScanner) (models.Broadcast, error) {
	var b models.Broadcast
	var mappingJSON, defaultMessage sql.NullString
	var bType string
	if err := row.Scan(&b.ID, &b.BusinessID, &bType, &mappingJSON, &defaultMessage); err != nil {
		return b, err
	}
	b.Type = models.BroadcastType(bType)
	b.DefaultMessage = defaultMessage.String
	if mappingJSON.String != "" {
		if err := json.Unmarshal([]byte(mappingJSON.String), &b.Mapping); err != nil {
			return b, fmt.Errorf("failed to decode broadcast %s mapping: %w", b.ID, err)
		}
	}
	return b, nil
}

// scanEvent scans an event row in column order (name, step, info, at).
func scanEvent(row rowScanner) (models.ConversationEvent, error) {
	var e models.ConversationEvent
	var step, info sql.NullString
	if err := row.Scan(&e.Name, &step, &info, &e.At); err != nil {
		return e, err
	}
	e.Step = step.String
	e.Info = info.String
	return e, nil
}
