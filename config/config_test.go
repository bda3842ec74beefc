package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv(envMap(nil))

	if cfg.Sync.BatchSize != 30 {
		t.Errorf("BatchSize = %d, want 30", cfg.Sync.BatchSize)
	}
	if cfg.Sync.BatchesPerInvocation != 1 {
		t.Errorf("BatchesPerInvocation = %d, want 1", cfg.Sync.BatchesPerInvocation)
	}
	if cfg.Phone.DefaultCountryCode != "55" {
		t.Errorf("DefaultCountryCode = %q, want 55", cfg.Phone.DefaultCountryCode)
	}
	if !reflect.DeepEqual(cfg.Phone.NationalLengths, []int{10, 11}) {
		t.Errorf("NationalLengths = %v, want [10 11]", cfg.Phone.NationalLengths)
	}
	if cfg.DatabaseDriver != "postgres" {
		t.Errorf("DatabaseDriver = %q, want postgres", cfg.DatabaseDriver)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Sync.BatchPause != time.Second {
		t.Errorf("BatchPause = %v, want 1s", cfg.Sync.BatchPause)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	cfg := FromEnv(envMap(map[string]string{
		"EVOLUTION_BASE_URL":      "http://evo.local/",
		"ALLOWED_INSTANCES":       "alpha, beta ,,",
		"SYNC_BATCH_SIZE":         "25",
		"NATIONAL_NUMBER_LENGTHS": "9, x, 10",
		"DATABASE_DRIVER":         "SQLite",
		"S3_ENABLED":              "true",
	}))

	if cfg.EvolutionBaseURL != "http://evo.local" {
		t.Errorf("EvolutionBaseURL = %q", cfg.EvolutionBaseURL)
	}
	if !reflect.DeepEqual(cfg.AllowedInstances, []string{"alpha", "beta"}) {
		t.Errorf("AllowedInstances = %v", cfg.AllowedInstances)
	}
	if cfg.Sync.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.Sync.BatchSize)
	}
	if !reflect.DeepEqual(cfg.Phone.NationalLengths, []int{9, 10}) {
		t.Errorf("NationalLengths = %v", cfg.Phone.NationalLengths)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("DatabaseDriver = %q", cfg.DatabaseDriver)
	}
	if !cfg.S3.Enabled {
		t.Error("S3.Enabled should be true")
	}
}

func TestApplyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.toml")
	content := `
allowed_instances = ["main-line"]
batch_pause_ms = 250
time_budget_seconds = 20

[sync]
batch_size = 40
messages_per_chat = 100

[phone]
default_country_code = "1"
national_lengths = [10]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := FromEnv(envMap(nil))
	if err := cfg.applyFile(path); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(cfg.AllowedInstances, []string{"main-line"}) {
		t.Errorf("AllowedInstances = %v", cfg.AllowedInstances)
	}
	if cfg.Sync.BatchSize != 40 || cfg.Sync.MessagesPerChat != 100 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Sync.BatchesPerInvocation != 1 {
		t.Errorf("BatchesPerInvocation should keep env default, got %d", cfg.Sync.BatchesPerInvocation)
	}
	if cfg.Sync.BatchPause != 250*time.Millisecond || cfg.Sync.TimeBudget != 20*time.Second {
		t.Errorf("pause/budget = %v/%v", cfg.Sync.BatchPause, cfg.Sync.TimeBudget)
	}
	if cfg.Phone.DefaultCountryCode != "1" || !reflect.DeepEqual(cfg.Phone.NationalLengths, []int{10}) {
		t.Errorf("Phone = %+v", cfg.Phone)
	}
}

func TestValidate(t *testing.T) {
	base := map[string]string{
		"EVOLUTION_BASE_URL": "http://evo",
		"EVOLUTION_API_KEY":  "k",
		"DATABASE_URL":       "postgres://x",
	}
	if err := FromEnv(envMap(base)).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"missing base url", "EVOLUTION_BASE_URL", ""},
		{"missing api key", "EVOLUTION_API_KEY", ""},
		{"missing database", "DATABASE_URL", ""},
		{"bad driver", "DATABASE_DRIVER", "mysql"},
		{"s3 without bucket", "S3_ENABLED", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := map[string]string{}
			for k, v := range base {
				m[k] = v
			}
			m[tt.key] = tt.val
			if err := FromEnv(envMap(m)).Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
