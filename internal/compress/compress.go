// Package compress implements the short-to-long-term consolidation job:
// aged short-term items are folded into the user profile and per-project
// summaries, then deleted. A run deletes nothing until every summary write
// has succeeded, so an aborted run loses no data and a rerun reselects the
// same batch.
package compress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/engram/internal/memory"
	"github.com/nidhogg/engram/internal/model"
	"go.uber.org/zap"
)

// DefaultCutoff is how old an item must be before compression selects it.
const DefaultCutoff = 48 * time.Hour

// Store is the slice of the memory store contract compression needs.
type Store interface {
	QueryAged(ctx context.Context, before time.Time) ([]*model.MemoryItem, error)
	UpsertUserProfile(ctx context.Context, update memory.UserProfileUpdate) (*model.UserProfile, error)
	UpsertProjectMemory(ctx context.Context, update memory.ProjectMemoryUpdate) (*model.ProjectMemory, error)
	Delete(ctx context.Context, id string) error
}

// Compressor executes one consolidation run per call to Run.
type Compressor struct {
	store      Store
	summarizer Summarizer
	cutoff     time.Duration
	lock       Locker // nil means no cross-process guard
	logger     *zap.Logger
}

// Config tunes a Compressor.
type Config struct {
	// Cutoff is the minimum item age for selection. Zero means DefaultCutoff.
	Cutoff time.Duration
	// Summarizer builds summary text from item batches. Nil means the
	// deterministic built-in digest.
	Summarizer Summarizer
	// Lock optionally guards against overlapping runs from multiple
	// processes. A held lock skips the run rather than failing it.
	Lock Locker
}

// New creates a Compressor over the given store.
func New(store Store, cfg Config, logger *zap.Logger) *Compressor {
	if cfg.Cutoff <= 0 {
		cfg.Cutoff = DefaultCutoff
	}
	if cfg.Summarizer == nil {
		cfg.Summarizer = DigestSummarizer{}
	}
	return &Compressor{
		store:      store,
		summarizer: cfg.Summarizer,
		cutoff:     cfg.Cutoff,
		lock:       cfg.Lock,
		logger:     logger,
	}
}

// Report describes what one run did.
type Report struct {
	Skipped  bool     `json:"skipped"` // another process held the run lock
	Selected int      `json:"selected"`
	General  int      `json:"general"`
	Projects []string `json:"projects,omitempty"`
	Deleted  int      `json:"deleted"`
}

// Run executes one compression pass: select aged items, partition into
// project-tagged and general subsets, write provenance-backed summaries,
// and only then delete the originals. Selecting zero items is a no-op
// success. Any summary failure aborts before the delete step.
func (c *Compressor) Run(ctx context.Context) (*Report, error) {
	if c.lock != nil {
		release, err := c.lock.Acquire(ctx)
		if errors.Is(err, ErrLockHeld) {
			c.logger.Info("compression already running elsewhere, skipping")
			return &Report{Skipped: true}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("acquire compression lock: %w", err)
		}
		defer release()
	}

	cutoff := time.Now().UTC().Add(-c.cutoff)
	selected, err := c.store.QueryAged(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select aged items: %w", err)
	}
	report := &Report{Selected: len(selected)}
	if len(selected) == 0 {
		return report, nil
	}

	general, byProject, projectNames := partition(selected)
	report.General = len(general)
	report.Projects = projectNames

	if len(general) > 0 {
		summary, facts := c.summarizer.SummarizeGeneral(general)
		update := memory.UserProfileUpdate{
			Summary:     summary,
			Facts:       facts,
			EvidenceIDs: itemIDs(general),
		}
		if _, err := c.store.UpsertUserProfile(ctx, update); err != nil {
			return nil, fmt.Errorf("summarize general subset: %w", err)
		}
	}

	for _, name := range projectNames {
		subset := byProject[name]
		update := memory.ProjectMemoryUpdate{
			ProjectName: name,
			Summary:     c.summarizer.SummarizeProject(name, subset),
			EvidenceIDs: itemIDs(subset),
		}
		if _, err := c.store.UpsertProjectMemory(ctx, update); err != nil {
			return nil, fmt.Errorf("summarize project %s: %w", name, err)
		}
	}

	// Every summary is durable; the originals can go.
	for _, item := range selected {
		if err := c.store.Delete(ctx, item.ID); err != nil {
			// Already-deleted items cannot be reselected, and survivors will
			// be reselected next run with identical (deduplicated) evidence.
			return report, fmt.Errorf("delete compressed item %s: %w", item.ID, err)
		}
		report.Deleted++
	}

	c.logger.Info("compression run complete",
		zap.Int("selected", report.Selected),
		zap.Int("general", report.General),
		zap.Strings("projects", report.Projects),
		zap.Int("deleted", report.Deleted))
	return report, nil
}

// partition splits items into the general subset (no project tag) and one
// subset per distinct project name. An item tagged with several projects
// contributes evidence to each. Project names come back in first-seen order.
func partition(items []*model.MemoryItem) (general []*model.MemoryItem, byProject map[string][]*model.MemoryItem, names []string) {
	byProject = make(map[string][]*model.MemoryItem)
	for _, item := range items {
		projects := item.Projects()
		if len(projects) == 0 {
			general = append(general, item)
			continue
		}
		for _, name := range projects {
			if _, ok := byProject[name]; !ok {
				names = append(names, name)
			}
			byProject[name] = append(byProject[name], item)
		}
	}
	return general, byProject, names
}

func itemIDs(items []*model.MemoryItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}
