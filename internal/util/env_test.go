package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("RP_TEST_BOOL", "Yes")
	if !ParseBoolEnv("RP_TEST_BOOL", false) {
		t.Error("Expected true for Yes")
	}
	t.Setenv("RP_TEST_BOOL", "maybe")
	if !ParseBoolEnv("RP_TEST_BOOL", true) {
		t.Error("Expected default for an invalid value")
	}
	if ParseBoolEnv("RP_TEST_BOOL_UNSET", false) {
		t.Error("Expected default for an unset key")
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("RP_TEST_INT", "35")
	if got := ParseIntEnv("RP_TEST_INT", 1); got != 35 {
		t.Errorf("Expected 35, got %d", got)
	}
	t.Setenv("RP_TEST_INT", "-2")
	if got := ParseIntEnv("RP_TEST_INT", 7); got != 7 {
		t.Errorf("Expected default 7, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	cases := map[string]time.Duration{
		"48h":  48 * time.Hour,
		"90":   90 * time.Second,
		"1h5m": time.Hour + 5*time.Minute,
		"soon": time.Minute,
		"-1h":  time.Minute,
	}
	for val, want := range cases {
		t.Setenv("RP_TEST_DURATION", val)
		if got := ParseDurationEnv("RP_TEST_DURATION", time.Minute); got != want {
			t.Errorf("%q: expected %v, got %v", val, want, got)
		}
	}
}
