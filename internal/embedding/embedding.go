// Package embedding generates the vectors the backend adapter indexes.
// Two providers are available: an OpenAI-compatible HTTP API, and a
// deterministic feature-hashing provider that needs no external service.
package embedding

import "context"

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "hash"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// New builds the configured provider. Unknown or empty provider names fall
// back to hashing so the memory subsystem works with zero external services.
func New(cfg Config) Provider {
	if cfg.Provider == "api" && cfg.Endpoint != "" {
		return NewAPIProvider(cfg)
	}
	return NewHashProvider(cfg.Dimension)
}
