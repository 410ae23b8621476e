package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nidhogg/engram/internal/model"
	"go.uber.org/zap"
)

// InjectConfig is the caller-facing hook configuration: whether retrieval
// results are injected into a caller's context window at all, whether
// assistant replies are persisted back as crumb items, and hard caps on the
// injected volume.
type InjectConfig struct {
	Enabled        bool    `json:"enabled"`
	PersistReplies bool    `json:"persist_replies"`
	MaxItems       int     `json:"max_inject_items"`
	MaxChars       int     `json:"max_inject_chars"`
	RecencyBias    float64 `json:"recency_bias"`
}

// DefaultInjectConfig returns the documented defaults: hook on, reply
// persistence off.
func DefaultInjectConfig() InjectConfig {
	return InjectConfig{
		Enabled:        true,
		PersistReplies: false,
		MaxItems:       6,
		MaxChars:       4000,
		RecencyBias:    0.3,
	}
}

// Injector renders relevant memories into a prompt-ready block for callers
// and optionally captures assistant replies back into short-term memory.
type Injector struct {
	store  *Store
	cfg    InjectConfig
	logger *zap.Logger
}

// NewInjector creates an Injector over the given store.
func NewInjector(store *Store, cfg InjectConfig, logger *zap.Logger) *Injector {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultInjectConfig().MaxItems
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultInjectConfig().MaxChars
	}
	return &Injector{store: store, cfg: cfg, logger: logger}
}

// Compose queries memories relevant to the caller's text and renders them
// as a context block, truncated to the configured item and character caps.
// Returns "" when the hook is disabled or nothing relevant is stored.
func (in *Injector) Compose(ctx context.Context, query string) (string, error) {
	if !in.cfg.Enabled {
		return "", nil
	}
	items, err := in.store.QueryRelevant(ctx, query, in.cfg.MaxItems, in.cfg.RecencyBias)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## Relevant memories\n")
	for _, item := range items {
		line := fmt.Sprintf("- [%s] %s\n", item.Type, item.Content)
		if b.Len()+len(line) > in.cfg.MaxChars {
			break
		}
		b.WriteString(line)
	}
	return b.String(), nil
}

// CaptureReply persists an assistant reply as a crumb item when reply
// persistence is enabled. Returns nil without error when it is not.
func (in *Injector) CaptureReply(ctx context.Context, agent, query, reply string) (*model.MemoryItem, error) {
	if !in.cfg.Enabled || !in.cfg.PersistReplies {
		return nil, nil
	}
	item, err := in.store.Store(ctx, Draft{
		Type:    model.TypeCrumb,
		Content: reply,
		Context: query,
		Agent:   agent,
	})
	if err != nil {
		return nil, err
	}
	in.logger.Debug("captured assistant reply as crumb", zap.String("id", item.ID))
	return item, nil
}
