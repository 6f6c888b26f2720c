package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"yes", false, true},
		{"ON", false, true},
		{"false", true, false},
		{"0", true, false},
		{"off", true, false},
		{"", true, true},
		{"garbage", false, false},
		{"garbage", true, true},
	}
	for _, tt := range tests {
		t.Setenv("TEST_BOOL", tt.value)
		if got := ParseBoolEnv("TEST_BOOL", tt.def); got != tt.expected {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.expected)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := ParseIntEnv("TEST_INT", 7); got != 42 {
		t.Errorf("ParseIntEnv = %d, want 42", got)
	}
	t.Setenv("TEST_INT", "not a number")
	if got := ParseIntEnv("TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv invalid = %d, want default 7", got)
	}
	t.Setenv("TEST_INT", "")
	if got := ParseIntEnv("TEST_INT", 7); got != 7 {
		t.Errorf("ParseIntEnv empty = %d, want default 7", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	if got := ParseDurationEnv("TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("ParseDurationEnv = %v, want 90s", got)
	}
	t.Setenv("TEST_DUR", "soon")
	if got := ParseDurationEnv("TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("ParseDurationEnv invalid = %v, want default", got)
	}
}
