// Package config loads the two-file configuration scheme: config.json holds
// business-level settings (sources, LLM provider groups, store paths) and
// system.json holds engine-level tuning (batch sizes, retries, thresholds).
// A missing system.json falls back to safe defaults; a missing config.json
// is a configuration error.
package config

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SourceConfig declares one Telegram channel to ingest. Declared sources are
// seeded into the ingestion state store at startup.
type SourceConfig struct {
	// ChannelID identifies the channel (username-style "@name" or numeric id).
	ChannelID string `json:"channel_id"`
	// ChannelUsername is the public username, when known, used for t.me links.
	ChannelUsername string `json:"channel_username,omitempty"`
	// IncludeComments pulls discussion-thread comments for each post.
	IncludeComments bool `json:"include_comments,omitempty"`
	// HistoryFrom/HistoryTo bound the optional backfill window (ISO-8601 UTC).
	HistoryFrom string `json:"history_from,omitempty"`
	HistoryTo   string `json:"history_to,omitempty"`
}

// StoreConfig points at the three SQLite files, one per logical store.
type StoreConfig struct {
	RawPath       string `json:"raw_path"`
	IngestPath    string `json:"ingest_path"`
	ProcessedPath string `json:"processed_path"`
}

// Config is the business-level application configuration (config.json).
type Config struct {
	// Sources lists the channels this process ingests.
	Sources []SourceConfig `json:"sources"`
	// LLM holds the provider group configuration in raw JSON; it is parsed
	// by the llm package's factory registry.
	LLM jsoniter.RawMessage `json:"llm"`
	// Chat holds the chat-protocol client configuration in raw JSON
	// (telegram token etc.), parsed by the chat factory registry.
	Chat map[string]jsoniter.RawMessage `json:"chat"`
	// Stores points at the three state store files.
	Stores StoreConfig `json:"stores"`
	// ExportDir is the default output directory for export artifacts.
	ExportDir string `json:"export_dir,omitempty"`
}

// Validate ensures the mandatory pieces are present before initialization.
func (c *Config) Validate() error {
	if len(c.LLM) == 0 {
		return fmt.Errorf("mandatory 'llm' configuration is missing or empty")
	}
	if c.Stores.RawPath == "" || c.Stores.IngestPath == "" || c.Stores.ProcessedPath == "" {
		return fmt.Errorf("all three store paths must be configured")
	}
	for i, s := range c.Sources {
		if s.ChannelID == "" {
			return fmt.Errorf("sources[%d]: missing channel_id", i)
		}
	}
	return nil
}

// SystemConfig defines engine-level technical parameters (system.json).
type SystemConfig struct {
	// BatchSize caps how many posts one fetch pulls per request.
	BatchSize int `json:"batch_size"`
	// PollIntervalSec is the online-mode polling period per source.
	PollIntervalSec int `json:"poll_interval_sec"`
	// SourceParallelism bounds how many sources are ingested concurrently.
	SourceParallelism int `json:"source_parallelism"`
	// IngestMaxRetries caps the retryable fetch attempts per batch.
	IngestMaxRetries int `json:"ingest_max_retries"`
	// ProcessMaxAttempts caps per-message LLM attempts before a failure row.
	ProcessMaxAttempts int `json:"process_max_attempts"`
	// RetryBaseMs is the base of the exponential backoff between attempts.
	RetryBaseMs int `json:"retry_base_ms"`
	// FetchTimeoutMs is the hard cutoff for a single chat-protocol request.
	FetchTimeoutMs int `json:"fetch_timeout_ms"`
	// LLMTimeoutMs is the hard cutoff for a single LLM request.
	LLMTimeoutMs int `json:"llm_timeout_ms"`
	// LLMMaxTokens is the fixed max-tokens of every deterministic LLM call.
	LLMMaxTokens int `json:"llm_max_tokens"`
	// LLMConcurrency is the semaphore size for in-flight LLM requests.
	LLMConcurrency int `json:"llm_concurrency"`
	// PayloadLimitBytes truncates stored raw payloads beyond this size.
	PayloadLimitBytes int `json:"payload_limit_bytes"`
	// AnchorCap is the top-N anchors kept for a cluster topic.
	AnchorCap int `json:"anchor_cap"`
	// SingletonScore is the minimum anchor score of a singleton topic.
	SingletonScore float64 `json:"singleton_score"`
	// SingletonMinTextLen is the minimum text_clean length of a singleton.
	SingletonMinTextLen int `json:"singleton_min_text_len"`
	// ClusterScore is the minimum per-anchor score of a cluster topic.
	ClusterScore float64 `json:"cluster_score"`
	// SupportingScore is the minimum score of an accepted supporting item.
	SupportingScore float64 `json:"supporting_score"`
	// LogLevel sets the minimum severity for log output:
	// "debug", "info", "warn", "error". Default: "info".
	LogLevel string `json:"log_level"`
}

// DefaultSystemConfig returns a SystemConfig with hardcoded safe defaults,
// used whenever system.json is missing or corrupt.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		BatchSize:           100,
		PollIntervalSec:     60,
		SourceParallelism:   2,
		IngestMaxRetries:    3,
		ProcessMaxAttempts:  3,
		RetryBaseMs:         500,
		FetchTimeoutMs:      60000,
		LLMTimeoutMs:        120000,
		LLMMaxTokens:        2048,
		LLMConcurrency:      4,
		PayloadLimitBytes:   65536,
		AnchorCap:           3,
		SingletonScore:      0.75,
		SingletonMinTextLen: 300,
		ClusterScore:        0.6,
		SupportingScore:     0.5,
		LogLevel:            "info",
	}
}

// Load reads config.json (mandatory) and system.json (optional, defaults)
// from the given paths. Environment references like ${OPENAI_API_KEY} inside
// config.json are expanded before parsing so secrets stay out of the file.
func Load(appPath, systemPath string) (*Config, *SystemConfig, error) {
	if _, err := os.Stat(appPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file %q not found", appPath)
	}

	raw, err := os.ReadFile(appPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	var cfg Config
	if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, LoadSystemConfig(systemPath), nil
}

// LoadSystemConfig attempts to load system settings, returning defaults when
// the file is absent or unparseable.
func LoadSystemConfig(path string) *SystemConfig {
	cfg := DefaultSystemConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return cfg
	}
	return cfg
}
