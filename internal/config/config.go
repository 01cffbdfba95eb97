// Package config defines the runtime configuration and its loading rules:
// defaults, a JSON5 config file, then environment overrides, in that order.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Config is the root configuration.
type Config struct {
	Store         StoreConfig         `json:"store"`
	Vector        VectorConfig        `json:"vector"`
	Source        SourceConfig        `json:"source"`
	Ingest        IngestConfig        `json:"ingest"`
	Analysis      AnalysisConfig      `json:"analysis"`
	Retention     RetentionConfig     `json:"retention"`
	Telemetry     TelemetryConfig     `json:"telemetry"`
	Log           LogConfig           `json:"log"`
	Conversations []ConversationEntry `json:"conversations"`
}

// StoreConfig selects and configures the metadata backend.
type StoreConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend     string `json:"backend"`
	SQLitePath  string `json:"sqlite_path"`
	PostgresDSN string `json:"postgres_dsn"`
}

// VectorConfig configures the vector index and its embedding engine.
type VectorConfig struct {
	Path             string `json:"path"`
	OllamaEndpoint   string `json:"ollama_endpoint"`
	EmbeddingModel   string `json:"embedding_model"`
	Dimensions       int    `json:"dimensions"`
	SearchTopK       int    `json:"search_top_k"`
	ContextWindowMin int    `json:"context_window_min"`
}

// SourceConfig selects where messages come from.
type SourceConfig struct {
	// Kind is "whatsapp" (headless browser) or "bridge" (websocket).
	Kind            string `json:"kind"`
	SessionDir      string `json:"session_dir"`
	Headless        bool   `json:"headless"`
	BridgeURL       string `json:"bridge_url"`
	PollIntervalSec int    `json:"poll_interval_sec"`
	ScrollRounds    int    `json:"scroll_rounds"`
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	BatchSize    int `json:"batch_size"`
	DedupeLRU    int `json:"dedupe_lru"`
	DrainTickSec int `json:"drain_tick_sec"`
}

// AnalysisConfig tunes the agents and the orchestrator.
type AnalysisConfig struct {
	ScoringEndpoint   string `json:"scoring_endpoint"`
	ScoringTimeoutSec int    `json:"scoring_timeout_sec"`
	Retries           int    `json:"retries"`
	BackoffSec        int    `json:"backoff_sec"`
	Workers           int    `json:"workers"`
	QueueDepth        int    `json:"queue_depth"`
	// ResponseSuggestions toggles the response suggestion agent.
	ResponseSuggestions bool `json:"response_suggestions"`
	// MinTextLen is the minimum rune count a message needs before the
	// sentiment agent scores it.
	MinTextLen int `json:"min_text_len"`
	// AgreementConfidence is assigned when the local and remote
	// sentiment techniques agree on a label.
	AgreementConfidence float64 `json:"agreement_confidence"`
}

// RetentionConfig controls pruning of old messages.
type RetentionConfig struct {
	Days      int    `json:"days"`
	SweepCron string `json:"sweep_cron"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Protocol    string `json:"protocol"` // "grpc" or "http"
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `json:"level"`  // debug|info|warn|error
	Format string `json:"format"` // text|json
}

// ConversationEntry declares a conversation to monitor.
type ConversationEntry struct {
	ID            string              `json:"id"`
	DisplayName   string              `json:"display_name"`
	Monitored     bool                `json:"monitored"`
	CategoryRules map[string][]string `json:"category_rules,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.chatpulse/metadata.db",
		},
		Vector: VectorConfig{
			Path:             "~/.chatpulse/vectors.db",
			OllamaEndpoint:   "http://localhost:11434",
			EmbeddingModel:   "nomic-embed-text",
			Dimensions:       768,
			SearchTopK:       10,
			ContextWindowMin: 30,
		},
		Source: SourceConfig{
			Kind:            "whatsapp",
			SessionDir:      "~/.chatpulse/session",
			Headless:        true,
			PollIntervalSec: 30,
			ScrollRounds:    3,
		},
		Ingest: IngestConfig{
			BatchSize:    10,
			DedupeLRU:    4096,
			DrainTickSec: 60,
		},
		Analysis: AnalysisConfig{
			ScoringTimeoutSec:   10,
			Retries:             2,
			BackoffSec:          1,
			Workers:             2,
			QueueDepth:          64,
			ResponseSuggestions: true,
			MinTextLen:          3,
			AgreementConfidence: 0.85,
		},
		Retention: RetentionConfig{
			Days:      90,
			SweepCron: "0 3 * * *",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "chatpulse",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Hash returns a SHA-256 of the serialized config, used by the watcher to
// skip no-op reloads.
func (c *Config) Hash() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("hash config: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
