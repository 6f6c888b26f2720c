// Package models defines agent, flow step, and broadcast structures.
package models

// AgentStatus represents the operational status of an agent.
type AgentStatus string

const (
	// AgentStatusActive indicates the agent is live and routable.
	AgentStatusActive AgentStatus = "active"
	// AgentStatusApproved indicates the agent passed review and is routable.
	AgentStatusApproved AgentStatus = "approved"
	// AgentStatusDraft indicates the agent is being authored and is not routable.
	AgentStatusDraft AgentStatus = "draft"
	// AgentStatusDisabled indicates the agent was turned off by an operator.
	AgentStatusDisabled AgentStatus = "disabled"
)

// Agent is a named conversation flow graph plus its ownership and keyword metadata.
type Agent struct {
	ID         string      `json:"id"`
	BusinessID string      `json:"business_id"`
	Name       string      `json:"name"`
	Status     AgentStatus `json:"status"`
	// Keywords are scanned in order during regular (non-broadcast) resolution.
	Keywords []string `json:"keywords,omitempty"`
	// Persona is prepended to AI classification prompts.
	Persona string `json:"persona,omitempty"`
	// GlobalRules are agent-wide instructions applied to every AI call.
	GlobalRules string `json:"global_rules,omitempty"`
}

// Usable reports whether the agent may own conversations.
func (a Agent) Usable() bool {
	return a.Status == AgentStatusActive || a.Status == AgentStatusApproved
}

// StepKind represents the message kind a flow step sends.
type StepKind string

const (
	// StepKindText sends free text and expects a free-text reply.
	StepKindText StepKind = "text"
	// StepKindQuickReply sends a message with selectable buttons.
	StepKindQuickReply StepKind = "quick_reply"
	// StepKindList sends a sectioned list of selectable options.
	StepKindList StepKind = "list"
)

// IsInteractive reports whether the step presents a closed option set.
func (k StepKind) IsInteractive() bool {
	return k == StepKindQuickReply || k == StepKindList
}

// StepOption is one selectable option of an interactive step. Postback carries
// a machine-readable token of the form "<nextStep>/<freeform>"; only the first
// path segment is used for next-step resolution.
type StepOption struct {
	Title    string `json:"title"`
	Postback string `json:"postback,omitempty"`
}

// AgentFlowStep is one node in an authored conversation graph. Step keys are
// unique within an agent, and every flow defines a step keyed "step0".
type AgentFlowStep struct {
	AgentID string   `json:"agent_id"`
	Key     string   `json:"step"`
	Kind    StepKind `json:"type_of_message"`
	// Message is the content template; {{name}} placeholders reference
	// captured variables and system tokens.
	Message string `json:"message_content"`
	// Regex optionally validates free-text replies.
	Regex     string `json:"regex,omitempty"`
	Mandatory bool   `json:"mandatory"`
	// Variable names where a valid reply is captured, if any.
	Variable string `json:"variable,omitempty"`
	// NextSteps lists candidate successor keys in priority order. May include
	// the "stop" sentinel.
	NextSteps []string `json:"next_possible_steps,omitempty"`
	// Purpose describes the step for AI prompt construction.
	Purpose string `json:"purpose,omitempty"`
	// AITakeover lets the AI bridge interpret replies that fail validation.
	AITakeover bool `json:"enable_ai_takeover"`
	// Options is the option set for interactive kinds.
	Options []StepOption `json:"options,omitempty"`
}

// FirstNextStep returns the step's first candidate successor, or "" if none.
func (s AgentFlowStep) FirstNextStep() string {
	if len(s.NextSteps) == 0 {
		return ""
	}
	return s.NextSteps[0]
}

// BroadcastType distinguishes broadcast directions.
type BroadcastType string

const (
	// BroadcastTypeInbound groups conversations initiated by users.
	BroadcastTypeInbound BroadcastType = "inbound"
	// BroadcastTypeOutbound is a mass outbound campaign.
	BroadcastTypeOutbound BroadcastType = "outbound"
)

// BroadcastMapping binds one reply keyword to one agent. Order matters: the
// first entry is the deterministic fallback when no keyword matches.
type BroadcastMapping struct {
	Keyword string `json:"keyword"`
	AgentID string `json:"agent_id"`
}

// Broadcast is a mass campaign that can originate conversations and map reply
// keywords to agents. Immutable on the hot path once a conversation binds to it.
type Broadcast struct {
	ID         string             `json:"id"`
	BusinessID string             `json:"business_id"`
	Type       BroadcastType      `json:"type"`
	Mapping    []BroadcastMapping `json:"agent_mapping,omitempty"`
	// DefaultMessage is sent when the mapping is empty.
	DefaultMessage string `json:"default_message,omitempty"`
}
