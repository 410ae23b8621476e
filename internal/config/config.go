// Package config loads the service configuration: a JSON file with
// ${VAR} / ${VAR:default} environment substitution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Backend     BackendConfig     `json:"backend"`
	Journal     JournalConfig     `json:"journal"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Compression CompressionConfig `json:"compression"`
	Hook        HookConfig        `json:"hook"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// BackendConfig selects the primary persistence backend. Type is one of
// "qdrant", "postgres", or "none"; with "none" the failsafe journal is the
// sole store.
type BackendConfig struct {
	Type     string         `json:"type"`
	Qdrant   QdrantConfig   `json:"qdrant"`
	Postgres PostgresConfig `json:"postgres"`
	// TimeoutSeconds bounds each backend call before falling back to the
	// journal for that call.
	TimeoutSeconds int `json:"timeout_seconds"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type JournalConfig struct {
	Dir   string `json:"dir"`
	Fsync bool   `json:"fsync"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api" or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type CompressionConfig struct {
	CutoffHours   float64 `json:"cutoff_hours"`
	IntervalHours float64 `json:"interval_hours"`
	// RedisURL enables the cross-process run lock when set.
	RedisURL string `json:"redis_url"`
}

// HookConfig is the caller-facing memory hook configuration.
type HookConfig struct {
	Enabled        *bool   `json:"enabled"`         // default true
	PersistReplies bool    `json:"persist_replies"` // default false
	MaxInjectItems int     `json:"max_inject_items"`
	MaxInjectChars int     `json:"max_inject_chars"`
	RecencyBias    float64 `json:"recency_bias"`
}

// HookEnabled resolves the enablement flag's default-on semantics.
func (h HookConfig) HookEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// Cutoff returns the compression selection cutoff, defaulting to 48h.
func (c CompressionConfig) Cutoff() time.Duration {
	if c.CutoffHours <= 0 {
		return 48 * time.Hour
	}
	return time.Duration(c.CutoffHours * float64(time.Hour))
}

// Interval returns how often scheduled compression fires, defaulting to 1h.
func (c CompressionConfig) Interval() time.Duration {
	if c.IntervalHours <= 0 {
		return time.Hour
	}
	return time.Duration(c.IntervalHours * float64(time.Hour))
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
