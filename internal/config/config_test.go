package config

import (
	"strings"
	"testing"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	var errs []error
	v := envInt("TEST_INT", 0, &errs)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	var errs []error
	v := envInt("TEST_INT_MISSING", 99, &errs)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	var errs []error
	envInt("TEST_INT_BAD", 0, &errs)
	if len(errs) != 1 {
		t.Fatalf("expected one error for non-integer value, got %v", errs)
	}
	if got := errs[0].Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	var errs []error
	envBool("TEST_BOOL_BAD", false, &errs)
	if len(errs) != 1 {
		t.Fatalf("expected one error for non-boolean value, got %v", errs)
	}
	if got := errs[0].Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	var errs []error
	envDuration("TEST_DUR_BAD", 0, &errs)
	if len(errs) != 1 {
		t.Fatalf("expected one error for invalid duration, got %v", errs)
	}
	if got := errs[0].Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "half")
	var errs []error
	envFloat("TEST_FLOAT_BAD", 0.5, &errs)
	if len(errs) != 1 {
		t.Fatalf("expected one error for invalid float, got %v", errs)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("SHINKA_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid SHINKA_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "SHINKA_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention SHINKA_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("SHINKA_PORT", "abc")
	t.Setenv("SHINKA_SYNC_BATCH_SIZE", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "SHINKA_PORT") {
		t.Fatalf("error should mention SHINKA_PORT, got: %s", got)
	}
	if !strings.Contains(got, "SHINKA_SYNC_BATCH_SIZE") {
		t.Fatalf("error should mention SHINKA_SYNC_BATCH_SIZE, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// Only the required database URL set; everything else defaults.
	t.Setenv("DATABASE_URL", "postgres://localhost/shinka_test")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.EmbeddingDimensions != 384 {
		t.Fatalf("expected default dimensions 384, got %d", cfg.EmbeddingDimensions)
	}
	if cfg.LLMIntentMargin != 0.15 {
		t.Fatalf("expected default margin 0.15, got %v", cfg.LLMIntentMargin)
	}
}

func TestValidateRejectsMissingDatabaseURL(t *testing.T) {
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to require DATABASE_URL")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("error should mention DATABASE_URL, got: %s", err)
	}
}

func TestValidateRejectsBadMargin(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/shinka_test")
	t.Setenv("SHINKA_LLM_INTENT_MARGIN", "1.5")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject margin above 1")
	}
}
