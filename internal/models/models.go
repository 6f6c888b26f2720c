// Package models defines the core data structures for ConvoPilot.
//
// It includes conversations, agents, flow steps, broadcasts, and the transient
// validation/AI values exchanged between the pipeline components.
package models

import (
	"errors"
	"time"
)

// EntryStepKey is the step key every agent flow must define as its entry point.
const EntryStepKey = "step0"

// StepStop is the sentinel next-step key that terminates a flow.
const StepStop = "stop"

// Error variables shared across components for error classification.
var (
	ErrNoActiveAgents        = errors.New("no active agents available")
	ErrAgentNotFound         = errors.New("agent not found")
	ErrStepNotFound          = errors.New("flow step not found")
	ErrBroadcastNotFound     = errors.New("broadcast not found")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrUserNotFound          = errors.New("user not found")
	ErrEmptyMapping          = errors.New("broadcast agent mapping is empty")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrDuplicateConversation = errors.New("active conversation already exists for user and channel")
	ErrTerminalConversation  = errors.New("conversation is in a terminal status")
)

// User represents an end user reachable over a messaging channel.
type User struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationStatus represents the lifecycle status of a conversation.
type ConversationStatus string

const (
	// ConversationStatusActive indicates the conversation is in progress.
	ConversationStatusActive ConversationStatus = "active"
	// ConversationStatusWaiting indicates the conversation is waiting on an external action.
	ConversationStatusWaiting ConversationStatus = "waiting"
	// ConversationStatusCompleted indicates the flow reached its end.
	ConversationStatusCompleted ConversationStatus = "completed"
	// ConversationStatusAbandoned indicates the user stopped responding.
	ConversationStatusAbandoned ConversationStatus = "abandoned"
	// ConversationStatusEscalated indicates the conversation was handed off to a human.
	ConversationStatusEscalated ConversationStatus = "escalated"
	// ConversationStatusError indicates the conversation hit an unrecoverable error.
	ConversationStatusError ConversationStatus = "error"
)

// IsTerminal reports whether the status permits no further step mutation.
func (s ConversationStatus) IsTerminal() bool {
	switch s {
	case ConversationStatusCompleted, ConversationStatusAbandoned, ConversationStatusEscalated:
		return true
	default:
		return false
	}
}

// IsValidConversationStatus checks if the given conversation status is supported.
func IsValidConversationStatus(s ConversationStatus) bool {
	switch s {
	case ConversationStatusActive, ConversationStatusWaiting, ConversationStatusCompleted,
		ConversationStatusAbandoned, ConversationStatusEscalated, ConversationStatusError:
		return true
	default:
		return false
	}
}

// ConversationEvent is one entry in a conversation's append-only analytics log.
type ConversationEvent struct {
	Name string    `json:"name"`
	Step string    `json:"step,omitempty"`
	Info string    `json:"info,omitempty"`
	At   time.Time `json:"at"`
}

// PendingKind distinguishes what a pending confirmation is asking about.
type PendingKind string

const (
	// PendingKindValue stages an AI-extracted value awaiting yes/no confirmation.
	PendingKindValue PendingKind = "value"
	// PendingKindRestart stages a restart/continue choice.
	PendingKindRestart PendingKind = "restart"
)

// PendingConfirmation is a staged, not-yet-committed value awaiting an explicit
// confirm_yes/confirm_no reply. Cleared on resolution.
type PendingConfirmation struct {
	Kind     PendingKind `json:"kind"`
	Variable string      `json:"variable,omitempty"`
	Value    string      `json:"value,omitempty"`
	Step     string      `json:"step"`
	StagedAt time.Time   `json:"staged_at"`
}

// ConversationState holds the mutable per-conversation state the flow engine
// maintains across turns. It is persisted as a single opaque column.
type ConversationState struct {
	// Vars maps captured variable names to captured values.
	Vars map[string]string `json:"vars,omitempty"`
	// Pending holds a staged confirmation, if any. Transient across turns.
	Pending *PendingConfirmation `json:"pending,omitempty"`
	// RepeatCount counts consecutive validation failures on the current step.
	RepeatCount int `json:"repeat_count,omitempty"`
	// Events is the ordered, append-only analytics event log.
	Events []ConversationEvent `json:"events,omitempty"`
	// BroadcastKeyword records the mapping keyword that routed this conversation.
	BroadcastKeyword string `json:"broadcast_keyword,omitempty"`
}

// Clone returns a deep copy of the state so callers can stage mutations
// without aliasing the stored value.
func (cs ConversationState) Clone() ConversationState {
	out := cs
	if cs.Vars != nil {
		out.Vars = make(map[string]string, len(cs.Vars))
		for k, v := range cs.Vars {
			out.Vars[k] = v
		}
	}
	if cs.Pending != nil {
		p := *cs.Pending
		out.Pending = &p
	}
	if cs.Events != nil {
		out.Events = append([]ConversationEvent(nil), cs.Events...)
	}
	return out
}

// Conversation represents a scripted conversation between one user and one
// agent flow on one channel. At most one active conversation may exist per
// (user, channel) pair.
type Conversation struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	Channel     string             `json:"channel"`
	AgentID     string             `json:"agent_id,omitempty"`
	BroadcastID string             `json:"broadcast_id,omitempty"`
	CurrentStep string             `json:"current_step"`
	Status      ConversationStatus `json:"status"`
	State       ConversationState  `json:"state"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ConversationDelta describes a partial conversation update applied with
// patch-by-id semantics. Nil fields are left untouched.
type ConversationDelta struct {
	CurrentStep *string             `json:"current_step,omitempty"`
	Status      *ConversationStatus `json:"status,omitempty"`
	AgentID     *string             `json:"agent_id,omitempty"`
	State       *ConversationState  `json:"state,omitempty"`
}

// IsEmpty reports whether the delta carries no changes.
func (d ConversationDelta) IsEmpty() bool {
	return d.CurrentStep == nil && d.Status == nil && d.AgentID == nil && d.State == nil
}
