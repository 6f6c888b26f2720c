package genai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// responseContract instructs the model to reply with a single structured
// object and pins the allowed type taxonomy with examples. Kept as one block
// so prompt construction stays deterministic.
const responseContract = `You must reply with a single JSON object and nothing else:
{"type": "<type>", "msg": "<user-facing text>", "value": "<extracted value, optional>", "confidence": <0.0-1.0>}

Allowed values for "type":
- "validinput": the reply satisfies the step. Put the normalized value in "value". Example: {"type": "validinput", "msg": "Great, got it!", "value": "user@example.com", "confidence": 0.95}
- "invalidinput": the reply cannot satisfy the step. Explain what is needed in "msg". Example: {"type": "invalidinput", "msg": "I need an email address like name@example.com.", "confidence": 0.9}
- "transform": you extracted a value but want the user to confirm it. Example: {"type": "transform", "msg": "Did you mean user@example.com?", "value": "user@example.com", "confidence": 0.8}
- "restart": the user wants to start the conversation over. Example: {"type": "restart", "msg": "Sure, want to start over?", "confidence": 0.85}
- "escalate": the user needs a human. Example: {"type": "escalate", "msg": "Let me connect you with our team.", "confidence": 0.9}
- "KBquery": the user asked a general question unrelated to the step. Answer briefly in "msg". Example: {"type": "KBquery", "msg": "We're open 9-5 on weekdays. Now, back to your email?", "confidence": 0.7}
- "greeting": the reply is only a greeting. Example: {"type": "greeting", "msg": "Hi! Could you share your email to continue?", "confidence": 0.9}
- "profanity": the reply is abusive. Example: {"type": "profanity", "msg": "Let's keep things respectful. Could you share your email?", "confidence": 0.95}`

// BuildSystemPrompt constructs the deterministic classification prompt from
// step metadata, conversation state, and agent persona. Captured variables
// are embedded in sorted key order so identical inputs yield identical prompts.
func BuildSystemPrompt(step models.AgentFlowStep, state models.ConversationState, persona, globalRules string) string {
	var b strings.Builder

	b.WriteString("You are a conversation assistant helping a user through a scripted flow.\n")
	if persona != "" {
		b.WriteString("Persona: ")
		b.WriteString(persona)
		b.WriteString("\n")
	}
	if globalRules != "" {
		b.WriteString("Rules: ")
		b.WriteString(globalRules)
		b.WriteString("\n")
	}

	b.WriteString("\nCurrent step:\n")
	fmt.Fprintf(&b, "- key: %s\n", step.Key)
	if step.Purpose != "" {
		fmt.Fprintf(&b, "- purpose: %s\n", step.Purpose)
	}
	fmt.Fprintf(&b, "- prompt: %s\n", step.Message)
	if step.Regex != "" {
		fmt.Fprintf(&b, "- validation pattern: %s\n", step.Regex)
	}
	fmt.Fprintf(&b, "- mandatory: %t\n", step.Mandatory)
	if step.Variable != "" {
		fmt.Fprintf(&b, "- captures variable: %s\n", step.Variable)
	}
	if len(step.Options) > 0 {
		titles := make([]string, 0, len(step.Options))
		for _, opt := range step.Options {
			titles = append(titles, opt.Title)
		}
		fmt.Fprintf(&b, "- options: %s\n", strings.Join(titles, ", "))
	}

	if len(state.Vars) > 0 {
		b.WriteString("\nCaptured so far:\n")
		keys := make([]string, 0, len(state.Vars))
		for k := range state.Vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, state.Vars[k])
		}
	}

	if state.RepeatCount > 0 {
		fmt.Fprintf(&b, "\nThe user has failed validation %d time(s) in a row on this step. Be extra helpful.\n", state.RepeatCount)
	}

	b.WriteString("\n")
	b.WriteString(responseContract)
	return b.String()
}
