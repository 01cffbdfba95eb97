package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", cfg.Store.Backend)
	}
	if cfg.Retention.Days != 90 {
		t.Errorf("retention days = %d, want 90", cfg.Retention.Days)
	}
	if cfg.Ingest.BatchSize != 10 {
		t.Errorf("batch size = %d, want 10", cfg.Ingest.BatchSize)
	}
	if cfg.Analysis.MinTextLen != 3 {
		t.Errorf("min text len = %d, want 3", cfg.Analysis.MinTextLen)
	}
	if cfg.Analysis.AgreementConfidence != 0.85 {
		t.Errorf("agreement confidence = %f, want 0.85", cfg.Analysis.AgreementConfidence)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", cfg.Store.Backend)
	}
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	content := `{
		// comments are allowed
		store: { backend: "sqlite", sqlite_path: "/tmp/test.db" },
		ingest: { batch_size: 25 },
		conversations: [
			{ id: "family", display_name: "Family Group", monitored: true,
			  category_rules: { groceries: ["milk", "bread"] } },
		],
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.SQLitePath != "/tmp/test.db" {
		t.Errorf("sqlite path = %q", cfg.Store.SQLitePath)
	}
	if cfg.Ingest.BatchSize != 25 {
		t.Errorf("batch size = %d, want 25", cfg.Ingest.BatchSize)
	}
	// Untouched sections keep their defaults.
	if cfg.Retention.Days != 90 {
		t.Errorf("retention days = %d, want default 90", cfg.Retention.Days)
	}
	if len(cfg.Conversations) != 1 || cfg.Conversations[0].ID != "family" {
		t.Fatalf("conversations = %+v", cfg.Conversations)
	}
	if got := cfg.Conversations[0].CategoryRules["groceries"]; len(got) != 2 {
		t.Errorf("category rules = %v", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATPULSE_STORE_BACKEND", "postgres")
	t.Setenv("CHATPULSE_POSTGRES_DSN", "postgres://localhost/chatpulse")
	t.Setenv("CHATPULSE_BATCH_SIZE", "42")
	t.Setenv("CHATPULSE_HEADLESS", "false")
	t.Setenv("CHATPULSE_RESPONSE_SUGGESTIONS", "false")
	t.Setenv("CHATPULSE_MIN_TEXT_LEN", "8")
	t.Setenv("CHATPULSE_AGREEMENT_CONFIDENCE", "0.9")
	t.Setenv("CHATPULSE_CONVERSATIONS", "family, work chat")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "postgres" {
		t.Errorf("backend = %q, want postgres", cfg.Store.Backend)
	}
	if cfg.Ingest.BatchSize != 42 {
		t.Errorf("batch size = %d, want 42", cfg.Ingest.BatchSize)
	}
	if cfg.Source.Headless {
		t.Error("headless should be off")
	}
	if cfg.Analysis.ResponseSuggestions {
		t.Error("response suggestions should be off")
	}
	if cfg.Analysis.MinTextLen != 8 {
		t.Errorf("min text len = %d, want 8", cfg.Analysis.MinTextLen)
	}
	if cfg.Analysis.AgreementConfidence != 0.9 {
		t.Errorf("agreement confidence = %f, want 0.9", cfg.Analysis.AgreementConfidence)
	}
	if len(cfg.Conversations) != 2 || cfg.Conversations[1].ID != "work chat" {
		t.Errorf("conversations = %+v", cfg.Conversations)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Store.SQLitePath = "" }},
		{"unknown source", func(c *Config) { c.Source.Kind = "telepathy" }},
		{"bridge without url", func(c *Config) { c.Source.Kind = "bridge" }},
		{"bad telemetry protocol", func(c *Config) { c.Telemetry.Protocol = "smoke-signals" }},
		{"agreement confidence above one", func(c *Config) { c.Analysis.AgreementConfidence = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("want validation error")
			}
		})
	}
}

func TestHashStableAndSensitive(t *testing.T) {
	a, b := Default(), Default()
	ha, err := a.Hash()
	if err != nil {
		t.Fatal(err)
	}
	hb, _ := b.Hash()
	if ha != hb {
		t.Error("equal configs hash differently")
	}
	b.Ingest.BatchSize = 99
	if hb2, _ := b.Hash(); hb2 == ha {
		t.Error("changed config hashes the same")
	}
}
