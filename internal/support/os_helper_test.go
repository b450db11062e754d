package support

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("AGENTFACTORY_TEST_ENV", "value")
	if got := GetEnv("AGENTFACTORY_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("GetEnv returned %s, want value", got)
	}

	if got := GetEnv("AGENTFACTORY_TEST_ENV_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv returned %s, want fallback", got)
	}
}

func TestGetEnvTyped(t *testing.T) {
	t.Setenv("AGENTFACTORY_INT", " 42 ")
	t.Setenv("AGENTFACTORY_BAD_INT", "forty")
	t.Setenv("AGENTFACTORY_BOOL", "true")
	t.Setenv("AGENTFACTORY_DURATION", "90s")
	t.Setenv("AGENTFACTORY_BAD_DURATION", "-5s")

	if got := GetEnvInt("AGENTFACTORY_INT", 1); got != 42 {
		t.Fatalf("GetEnvInt = %d, want 42", got)
	}
	if got := GetEnvInt("AGENTFACTORY_BAD_INT", 7); got != 7 {
		t.Fatalf("GetEnvInt fallback = %d, want 7", got)
	}
	if !GetEnvBool("AGENTFACTORY_BOOL", false) {
		t.Fatal("GetEnvBool returned false, want true")
	}
	if got := GetEnvDuration("AGENTFACTORY_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("GetEnvDuration = %v, want 90s", got)
	}
	if got := GetEnvDuration("AGENTFACTORY_BAD_DURATION", time.Second); got != time.Second {
		t.Fatalf("GetEnvDuration with negative value = %v, want fallback", got)
	}
}

func TestHashStringDeterministic(t *testing.T) {
	if got1, got2 := HashString("input"), HashString("input"); got1 != got2 {
		t.Fatal("HashString returned different values for the same input")
	}

	if HashString("input") == HashString("different") {
		t.Fatal("HashString returned same value for different inputs")
	}
}
