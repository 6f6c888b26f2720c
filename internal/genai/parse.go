package genai

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// MsgParseFallback is the user-facing text substituted when the model reply
// cannot be parsed.
const MsgParseFallback = "Sorry, I didn't quite get that. Could you try again?"

// fallbackConfidence is assigned when the reply carried no usable confidence.
const fallbackConfidence = 0.1

// rawAIResponse tolerates loosely-typed provider output before coercion.
type rawAIResponse struct {
	Type       string          `json:"type"`
	Msg        string          `json:"msg"`
	Value      json.RawMessage `json:"value"`
	Confidence *float64        `json:"confidence"`
}

// ParseAIResponse extracts the first structured object from a raw model reply
// and coerces it into a well-formed AIResponse. It is total: any input,
// including non-JSON garbage, yields a response with a type inside the
// taxonomy and confidence in [0,1]. It never returns an error.
func ParseAIResponse(raw string) models.AIResponse {
	fallback := models.AIResponse{
		Type:       models.AIResponseInvalidInput,
		Msg:        MsgParseFallback,
		Confidence: fallbackConfidence,
	}

	obj := firstJSONObject(raw)
	if obj == "" {
		slog.Warn("GenAI reply contained no JSON object", "reply_length", len(raw))
		return fallback
	}

	var parsed rawAIResponse
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		slog.Warn("GenAI reply JSON object did not parse", "error", err)
		return fallback
	}

	out := models.AIResponse{
		Type:       models.AIResponseType(strings.TrimSpace(parsed.Type)),
		Msg:        strings.TrimSpace(parsed.Msg),
		Value:      decodeValue(parsed.Value),
		Confidence: fallbackConfidence,
	}

	if !models.IsValidAIResponseType(out.Type) {
		slog.Warn("GenAI reply type outside taxonomy, coercing", "type", parsed.Type)
		out.Type = models.AIResponseInvalidInput
	}
	if out.Msg == "" {
		out.Msg = MsgParseFallback
	}
	if parsed.Confidence != nil {
		out.Confidence = clamp01(*parsed.Confidence)
	}
	return out
}

// firstJSONObject returns the first balanced {...} substring of s, respecting
// JSON string quoting, or "" if none exists.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// decodeValue renders the loosely-typed "value" field as a string: JSON
// strings are unquoted, anything else is kept as its literal JSON text.
func decodeValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return ""
	}
	return text
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
