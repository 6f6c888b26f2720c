package flow

import (
	"testing"
	"time"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

func TestRenderTemplate(t *testing.T) {
	vars := map[string]string{"name": "Ada", "city": "London"}
	system := map[string]string{TokenUserPhone: "+14155550123"}

	cases := []struct {
		template string
		want     string
	}{
		{"Hi {{name}}!", "Hi Ada!"},
		{"Hi {{ name }}!", "Hi Ada!"},
		{"{{name}} from {{city}}", "Ada from London"},
		{"Your number is {{user_phone}}", "Your number is +14155550123"},
		{"Unknown {{ghost}} token", "Unknown  token"},
		{"No tokens here", "No tokens here"},
	}
	for _, c := range cases {
		if got := RenderTemplate(c.template, vars, system); got != c.want {
			t.Errorf("RenderTemplate(%q) = %q, want %q", c.template, got, c.want)
		}
	}
}

func TestRenderTemplateVarsShadowSystemTokens(t *testing.T) {
	vars := map[string]string{TokenUserName: "Override"}
	system := map[string]string{TokenUserName: "System"}
	if got := RenderTemplate("{{user_name}}", vars, system); got != "Override" {
		t.Errorf("expected captured variable to shadow system token, got %q", got)
	}
}

func TestSystemTokens(t *testing.T) {
	user := models.User{Name: "Ada", Phone: "+14155550123"}
	now := time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC)
	tokens := SystemTokens(user, now)

	if tokens[TokenUserName] != "Ada" {
		t.Errorf("user_name = %q", tokens[TokenUserName])
	}
	if tokens[TokenUserPhone] != "+14155550123" {
		t.Errorf("user_phone = %q", tokens[TokenUserPhone])
	}
	if tokens[TokenCurrentDate] != "2026-08-30" {
		t.Errorf("current_date = %q", tokens[TokenCurrentDate])
	}
	if tokens[TokenCurrentTime] != "14:05" {
		t.Errorf("current_time = %q", tokens[TokenCurrentTime])
	}
}
