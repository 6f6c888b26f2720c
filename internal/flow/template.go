package flow

import (
	"regexp"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// System token names always available to message templates.
const (
	TokenUserName    = "user_name"
	TokenUserPhone   = "user_phone"
	TokenCurrentDate = "current_date"
	TokenCurrentTime = "current_time"
)

// Date/time formats used for the system tokens.
const (
	systemDateFormat = "2006-01-02"
	systemTimeFormat = "15:04"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// SystemTokens builds the always-available token set for a user at a given time.
func SystemTokens(user models.User, now time.Time) map[string]string {
	return map[string]string{
		TokenUserName:    user.Name,
		TokenUserPhone:   user.Phone,
		TokenCurrentDate: now.Format(systemDateFormat),
		TokenCurrentTime: now.Format(systemTimeFormat),
	}
}

// RenderTemplate substitutes {{name}} placeholders against captured variables
// and system tokens. Captured variables shadow system tokens; unknown tokens
// resolve to the empty string.
func RenderTemplate(template string, vars, system map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if v, ok := system[name]; ok {
			return v
		}
		return ""
	})
}
