// Package flow implements the step validator and the per-conversation flow
// engine that drives scripted conversations.
package flow

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// Validation reply messages.
const (
	// MsgChooseOption is sent when an interactive reply matches no option.
	MsgChooseOption = "Please choose one of the available options."
	// MsgRequiredField is sent when a mandatory free-text step gets an empty reply.
	MsgRequiredField = "This field is required. Please enter a value."
	// MsgGenericPattern is sent when a reply fails an unrecognized pattern.
	MsgGenericPattern = "That doesn't look like a valid value. Please try again."
	// MsgConfigError is sent when the step configuration itself is broken.
	MsgConfigError = "We're having trouble with this step. Please try again later."
)

// regexMessages maps common validation patterns to friendly rejection text.
// Unknown patterns fall back to MsgGenericPattern.
var regexMessages = map[string]string{
	`^[^\s@]+@[^\s@]+\.[^\s@]+$`:            "That doesn't look like a valid email address. Please enter it like name@example.com.",
	`^\S+@\S+\.\S+$`:                        "That doesn't look like a valid email address. Please enter it like name@example.com.",
	`^\+?[0-9]{10,15}$`:                     "That doesn't look like a valid phone number. Please enter digits only, e.g. +14155550123.",
	`^[0-9]+$`:                              "Please enter numbers only.",
	`^\d+$`:                                 "Please enter numbers only.",
	`^[0-9]{6}$`:                            "Please enter the 6-digit code.",
	`^\d{2}/\d{2}/\d{4}$`:                   "Please enter the date as DD/MM/YYYY.",
	`^[a-zA-Z ]+$`:                          "Please use letters only.",
	`^(yes|no)$`:                            "Please answer yes or no.",
	`^[0-9]{5,6}(-[0-9]{4})?$`:              "That doesn't look like a valid postal code.",
	`^https?://\S+$`:                        "Please enter a valid link starting with http:// or https://.",
}

// patternMessage returns the friendly rejection text for a validation pattern.
func patternMessage(pattern string) string {
	if msg, ok := regexMessages[pattern]; ok {
		return msg
	}
	return MsgGenericPattern
}

// normalizeReply trims and lowercases a reply for case-insensitive matching.
func normalizeReply(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// postbackNextStep extracts the next-step key from a postback token of the
// form "<nextStep>/<freeform>". Only the first path segment is used.
func postbackNextStep(postback string) string {
	postback = strings.TrimSpace(postback)
	if postback == "" {
		return ""
	}
	if idx := strings.Index(postback, "/"); idx >= 0 {
		return postback[:idx]
	}
	return postback
}

// Validate checks a user reply against a step's rules. It is a pure function:
// deterministic, idempotent, and free of external calls.
func Validate(step models.AgentFlowStep, userMessage string) models.ValidationResult {
	if step.Kind.IsInteractive() {
		return validateOption(step, userMessage)
	}
	return validateText(step, userMessage)
}

// validateOption matches a reply against an interactive step's option set.
// First match over the ordered option list wins.
func validateOption(step models.AgentFlowStep, userMessage string) models.ValidationResult {
	normalized := normalizeReply(userMessage)
	trimmed := strings.TrimSpace(userMessage)

	for _, opt := range step.Options {
		// Exact postback token match takes a machine-readable selection.
		if opt.Postback != "" && trimmed == opt.Postback {
			return models.ValidationResult{
				Valid:    true,
				Value:    opt.Title,
				NextStep: postbackNextStep(opt.Postback),
				Kind:     models.ValidationKindOption,
			}
		}
		if normalized == normalizeReply(opt.Title) {
			return models.ValidationResult{
				Valid:    true,
				Value:    opt.Title,
				NextStep: postbackNextStep(opt.Postback),
				Kind:     models.ValidationKindOption,
			}
		}
	}

	// Text-only channels render options as a numbered list, so an in-range
	// number selects the option at that position. Checked after title and
	// postback matching so an option literally titled "1" still wins.
	if n, err := strconv.Atoi(trimmed); err == nil && n >= 1 && n <= len(step.Options) {
		opt := step.Options[n-1]
		return models.ValidationResult{
			Valid:    true,
			Value:    opt.Title,
			NextStep: postbackNextStep(opt.Postback),
			Kind:     models.ValidationKindOption,
		}
	}

	slog.Debug("Validator no option matched", "step", step.Key, "reply_length", len(userMessage))
	return models.ValidationResult{
		Valid:  false,
		Kind:   models.ValidationKindOption,
		Reason: MsgChooseOption,
	}
}

// validateText checks a free-text reply against the step's regex and
// mandatory flag.
func validateText(step models.AgentFlowStep, userMessage string) models.ValidationResult {
	trimmed := strings.TrimSpace(userMessage)

	if step.Regex != "" {
		re, err := regexp.Compile(step.Regex)
		if err != nil {
			// Malformed patterns are an authoring defect, surfaced as a
			// distinct kind instead of crashing the pipeline.
			slog.Error("Validator malformed regex in step configuration", "step", step.Key, "pattern", step.Regex, "error", err)
			return models.ValidationResult{
				Valid:  false,
				Kind:   models.ValidationKindConfigError,
				Reason: MsgConfigError,
			}
		}
		if re.MatchString(trimmed) {
			return models.ValidationResult{
				Valid: true,
				Value: trimmed,
				Kind:  models.ValidationKindRegex,
			}
		}
		if step.Mandatory {
			return models.ValidationResult{
				Valid:  false,
				Kind:   models.ValidationKindRegex,
				Reason: patternMessage(step.Regex),
			}
		}
		// Non-mandatory steps accept non-matching text as-is.
		if trimmed != "" {
			return models.ValidationResult{
				Valid: true,
				Value: trimmed,
				Kind:  models.ValidationKindFreeText,
			}
		}
	}

	if step.Mandatory && trimmed == "" {
		return models.ValidationResult{
			Valid:  false,
			Kind:   models.ValidationKindRequired,
			Reason: MsgRequiredField,
		}
	}

	return models.ValidationResult{
		Valid: true,
		Value: trimmed,
		Kind:  models.ValidationKindFreeText,
	}
}

// ValidateFlow statically checks an authored flow graph: the entry step must
// exist, step keys must be unique, and every referenced next-step key must
// resolve to an existing step or the "stop" sentinel.
func ValidateFlow(steps []models.AgentFlowStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("flow has no steps")
	}

	keys := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Key == "" {
			return fmt.Errorf("flow contains a step with an empty key")
		}
		if keys[s.Key] {
			return fmt.Errorf("duplicate step key %q", s.Key)
		}
		keys[s.Key] = true
	}

	if !keys[models.EntryStepKey] {
		return fmt.Errorf("flow does not define entry step %q", models.EntryStepKey)
	}

	for _, s := range steps {
		for _, next := range s.NextSteps {
			if next == models.StepStop {
				continue
			}
			if !keys[next] {
				return fmt.Errorf("step %q references unknown next step %q", s.Key, next)
			}
		}
		for _, opt := range s.Options {
			next := postbackNextStep(opt.Postback)
			if next == "" || next == models.StepStop {
				continue
			}
			if !keys[next] {
				return fmt.Errorf("step %q option %q references unknown next step %q", s.Key, opt.Title, next)
			}
		}
	}

	return nil
}
