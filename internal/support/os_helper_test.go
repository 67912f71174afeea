package support

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("WARDEN_TEST_ENV", "value")
	if got := GetEnv("WARDEN_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("GetEnv returned %s, want value", got)
	}

	if got := GetEnv("WARDEN_TEST_ENV_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv returned %s, want fallback", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("WARDEN_TEST_INT", " 12 ")
	if got := GetEnvInt("WARDEN_TEST_INT", 3); got != 12 {
		t.Fatalf("GetEnvInt returned %d, want 12", got)
	}

	t.Setenv("WARDEN_TEST_INT", "twelve")
	if got := GetEnvInt("WARDEN_TEST_INT", 3); got != 3 {
		t.Fatalf("GetEnvInt returned %d, want fallback 3", got)
	}
}

func TestGetEnvBoolAndDuration(t *testing.T) {
	t.Setenv("WARDEN_TEST_BOOL", "true")
	if !GetEnvBool("WARDEN_TEST_BOOL", false) {
		t.Fatal("GetEnvBool returned false, want true")
	}

	t.Setenv("WARDEN_TEST_DURATION", "90s")
	if got := GetEnvDuration("WARDEN_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Fatalf("GetEnvDuration returned %s, want 1m30s", got)
	}

	t.Setenv("WARDEN_TEST_DURATION", "-5s")
	if got := GetEnvDuration("WARDEN_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("GetEnvDuration returned %s, want fallback for negative value", got)
	}
}

func TestHashContentDeterministic(t *testing.T) {
	if got1, got2 := HashContent("input"), HashContent("input"); got1 != got2 {
		t.Fatal("HashContent returned different values for the same input")
	}

	if HashContent("input") == HashContent("different") {
		t.Fatal("HashContent returned same value for different inputs")
	}
}
