// Package models defines the transient validation and AI classification values.
package models

// ValidationKind tags how a validation verdict was reached.
type ValidationKind string

const (
	// ValidationKindOption means the reply matched (or failed to match) an
	// interactive option set.
	ValidationKindOption ValidationKind = "option"
	// ValidationKindRegex means the reply was checked against a configured pattern.
	ValidationKindRegex ValidationKind = "regex"
	// ValidationKindRequired means a mandatory free-text step got an empty reply.
	ValidationKindRequired ValidationKind = "required"
	// ValidationKindFreeText means the reply was accepted verbatim.
	ValidationKindFreeText ValidationKind = "free_text"
	// ValidationKindConfigError means the step configuration itself is broken
	// (e.g. a malformed regex). A flow-authoring defect, not a user error.
	ValidationKindConfigError ValidationKind = "config_error"
)

// ValidationResult is the transient verdict produced by the step validator and
// consumed by the flow engine. Never persisted as-is; its effects are persisted
// as conversation mutations.
type ValidationResult struct {
	Valid bool `json:"is_valid"`
	// Value is the captured value on success (canonical option title for
	// interactive steps, trimmed text otherwise).
	Value string `json:"value,omitempty"`
	// NextStep is an explicit next-step override derived from a postback token.
	NextStep string `json:"next_step,omitempty"`
	Kind     ValidationKind `json:"kind"`
	// Reason is a human-readable rejection message on failure.
	Reason string `json:"reason,omitempty"`
}

// AIResponseType is the closed taxonomy of AI classification outcomes.
type AIResponseType string

const (
	// AIResponseValidInput means the AI judged the reply valid for the step.
	AIResponseValidInput AIResponseType = "validinput"
	// AIResponseInvalidInput means the reply cannot satisfy the step.
	AIResponseInvalidInput AIResponseType = "invalidinput"
	// AIResponseTransform means the AI extracted a normalized value that needs
	// user confirmation before being committed.
	AIResponseTransform AIResponseType = "transform"
	// AIResponseRestart means the user asked to start over.
	AIResponseRestart AIResponseType = "restart"
	// AIResponseEscalate means the conversation should be handed to a human.
	AIResponseEscalate AIResponseType = "escalate"
	// AIResponseKBQuery means the user asked an off-flow knowledge question.
	AIResponseKBQuery AIResponseType = "KBquery"
	// AIResponseGreeting means the reply was a greeting, not an answer.
	AIResponseGreeting AIResponseType = "greeting"
	// AIResponseProfanity means the reply contained abusive content.
	AIResponseProfanity AIResponseType = "profanity"
)

// AIResponseTypes lists the full taxonomy in a fixed order, used when building
// prompts and when validating parsed responses.
var AIResponseTypes = []AIResponseType{
	AIResponseValidInput,
	AIResponseInvalidInput,
	AIResponseTransform,
	AIResponseRestart,
	AIResponseEscalate,
	AIResponseKBQuery,
	AIResponseGreeting,
	AIResponseProfanity,
}

// IsValidAIResponseType checks if the given type is within the taxonomy.
func IsValidAIResponseType(t AIResponseType) bool {
	for _, known := range AIResponseTypes {
		if t == known {
			return true
		}
	}
	return false
}

// AIResponse is the transient structured value produced by the AI bridge.
// Never persisted verbatim, only its derived effects.
type AIResponse struct {
	Type AIResponseType `json:"type"`
	// Msg is the user-facing text.
	Msg string `json:"msg"`
	// Value is extracted/normalized data, when the type carries one.
	Value string `json:"value,omitempty"`
	// Confidence is clamped to [0,1] by the parser.
	Confidence float64 `json:"confidence"`
}
