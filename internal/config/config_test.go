package config

import (
	"os"
	"testing"
)

func validConfig() Config {
	return Config{
		PostgresDSN:          "postgres://localhost/commandbus",
		StatementTimeoutMS:   25000,
		VisibilityTimeoutSec: 30,
		PoolMax:              10,
		Concurrency:          8,
		MaxAttempts:          3,
		Domains:              []string{"reporting"},
	}
}

func TestConfig_Validate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected a well-formed config to validate, got %v", err)
	}
}

func TestConfig_Validate_StatementTimeoutMustBeBelowVisibilityTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.StatementTimeoutMS = 30000
	cfg.VisibilityTimeoutSec = 30
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when statement_timeout_ms >= visibility_timeout*1000")
	}
}

func TestConfig_Validate_PoolMustCoverConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.PoolMax = 5
	cfg.Concurrency = 8
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error when pool_max cannot cover concurrency plus listener connections")
	}
}

func TestConfig_Validate_RequiresAtLeastOneDomain(t *testing.T) {
	cfg := validConfig()
	cfg.Domains = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for no configured domains")
	}
}

func TestConfig_Validate_RequiresPositiveMaxAttempts(t *testing.T) {
	cfg := validConfig()
	cfg.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected an error for max_attempts < 1")
	}
}

func TestConfig_RetryPolicy_BuildsScheduleFromSeconds(t *testing.T) {
	cfg := validConfig()
	cfg.BackoffScheduleSec = []int{10, 60}
	cfg.RetryMultiplier = 2.0
	rp := cfg.RetryPolicy()
	if len(rp.BackoffSchedule) != 2 {
		t.Fatalf("expected 2 schedule entries, got %d", len(rp.BackoffSchedule))
	}
	if rp.BackoffSchedule[0].Seconds() != 10 {
		t.Fatalf("expected first entry to be 10s, got %v", rp.BackoffSchedule[0])
	}
}

func TestConfig_IsDevIsProdIsTest(t *testing.T) {
	dev := Config{AppEnv: "dev"}
	if !dev.IsDev() || dev.IsProd() || dev.IsTest() {
		t.Fatalf("expected only IsDev true for AppEnv=dev")
	}
	prod := Config{AppEnv: "prod"}
	if !prod.IsProd() || prod.IsDev() {
		t.Fatalf("expected only IsProd true for AppEnv=prod")
	}
}

func TestLoad_RequiresPostgresDSN(t *testing.T) {
	os.Unsetenv("POSTGRES_DSN")
	if _, err := Load(); err == nil {
		t.Fatalf("expected an error when POSTGRES_DSN is unset")
	}
}
