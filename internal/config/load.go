package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = nil
	}

	if len(data) > 0 {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				*dst = f
			}
		}
	}

	envStr("CHATPULSE_STORE_BACKEND", &c.Store.Backend)
	envStr("CHATPULSE_SQLITE_PATH", &c.Store.SQLitePath)
	envStr("CHATPULSE_POSTGRES_DSN", &c.Store.PostgresDSN)

	envStr("CHATPULSE_VECTOR_PATH", &c.Vector.Path)
	envStr("CHATPULSE_OLLAMA_ENDPOINT", &c.Vector.OllamaEndpoint)
	envStr("CHATPULSE_EMBEDDING_MODEL", &c.Vector.EmbeddingModel)
	envInt("CHATPULSE_EMBEDDING_DIMENSIONS", &c.Vector.Dimensions)

	envStr("CHATPULSE_SOURCE_KIND", &c.Source.Kind)
	envStr("CHATPULSE_SESSION_DIR", &c.Source.SessionDir)
	envStr("CHATPULSE_BRIDGE_URL", &c.Source.BridgeURL)
	envBool("CHATPULSE_HEADLESS", &c.Source.Headless)
	envInt("CHATPULSE_POLL_INTERVAL_SEC", &c.Source.PollIntervalSec)

	envInt("CHATPULSE_BATCH_SIZE", &c.Ingest.BatchSize)

	envStr("CHATPULSE_SCORING_ENDPOINT", &c.Analysis.ScoringEndpoint)
	envInt("CHATPULSE_ANALYSIS_WORKERS", &c.Analysis.Workers)
	envInt("CHATPULSE_ANALYSIS_RETRIES", &c.Analysis.Retries)
	envBool("CHATPULSE_RESPONSE_SUGGESTIONS", &c.Analysis.ResponseSuggestions)
	envInt("CHATPULSE_MIN_TEXT_LEN", &c.Analysis.MinTextLen)
	envFloat("CHATPULSE_AGREEMENT_CONFIDENCE", &c.Analysis.AgreementConfidence)

	envInt("CHATPULSE_RETENTION_DAYS", &c.Retention.Days)

	envBool("CHATPULSE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("CHATPULSE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATPULSE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATPULSE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CHATPULSE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	envStr("CHATPULSE_LOG_LEVEL", &c.Log.Level)
	envStr("CHATPULSE_LOG_FORMAT", &c.Log.Format)

	// Comma-separated list of conversation IDs, all monitored. Additive
	// to the file's entries.
	if v := os.Getenv("CHATPULSE_CONVERSATIONS"); v != "" {
		for _, id := range strings.Split(v, ",") {
			id = strings.TrimSpace(id)
			if id == "" || c.hasConversation(id) {
				continue
			}
			c.Conversations = append(c.Conversations, ConversationEntry{
				ID: id, DisplayName: id, Monitored: true,
			})
		}
	}
}

func (c *Config) hasConversation(id string) bool {
	for _, e := range c.Conversations {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Source.Kind {
	case "whatsapp":
	case "bridge":
		if c.Source.BridgeURL == "" {
			return fmt.Errorf("source.bridge_url is required for the bridge source")
		}
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}

	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("unknown telemetry protocol %q", c.Telemetry.Protocol)
	}

	if c.Analysis.AgreementConfidence < 0 || c.Analysis.AgreementConfidence > 1 {
		return fmt.Errorf("analysis.agreement_confidence must be within [0, 1]")
	}
	return nil
}

// expandPaths resolves "~/" prefixes against the home directory.
func (c *Config) expandPaths() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(p *string) {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}
	expand(&c.Store.SQLitePath)
	expand(&c.Vector.Path)
	expand(&c.Source.SessionDir)
}

// Save writes the config as indented JSON, creating parent directories.
// Used by the init command.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
