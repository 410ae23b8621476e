// Package memory implements the tiered memory store: short-term observation
// capture, relevance-ranked retrieval, and long-term user/project summaries
// with enforced provenance. Writes go to the primary backend when it is
// reachable and to the failsafe journal when it is not; neither path is ever
// silently lost.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/engram/internal/journal"
	"github.com/nidhogg/engram/internal/model"
	"github.com/nidhogg/engram/internal/provenance"
	"github.com/nidhogg/engram/internal/rank"
	"go.uber.org/zap"
)

const (
	defaultBackendTimeout = 3 * time.Second
	// candidateFloor is the minimum candidate set fetched for ranking, so a
	// small limit still ranks over a meaningful pool.
	candidateFloor = 64
)

// Options tunes store behavior.
type Options struct {
	// BackendTimeout bounds each individual backend call. A timeout routes
	// that single call to the journal; the next call re-attempts the backend.
	BackendTimeout time.Duration
}

// Store owns the lifecycle of memory items and long-term summaries. It is
// safe for concurrent use: persistence writes are serialized by an internal
// mutex, reads snapshot whatever has committed when the read begins, and
// ranking is pure and lock-free.
type Store struct {
	backend Backend // nil when no primary backend is configured
	journal *journal.Journal
	timeout time.Duration
	logger  *zap.Logger

	mu sync.Mutex // serializes persistence writes

	backendErrors atomic.Int64
	fallbacks     atomic.Int64
	journalReads  atomic.Int64
}

// New creates a Store. backend may be nil, in which case the journal is the
// sole persistence tier. The journal is required.
func New(backend Backend, j *journal.Journal, opts Options, logger *zap.Logger) *Store {
	timeout := opts.BackendTimeout
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	return &Store{
		backend: backend,
		journal: j,
		timeout: timeout,
		logger:  logger,
	}
}

// Draft is the caller-supplied shape of a new memory item, before the store
// assigns identity and time.
type Draft struct {
	Type       model.MemoryType `json:"memory_type"`
	Content    string           `json:"content"`
	Context    string           `json:"context,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	Importance *float64         `json:"importance,omitempty"`
	Evidence   []string         `json:"evidence,omitempty"`
	Agent      string           `json:"agent,omitempty"`
}

// Store validates a draft, assigns id and timestamp, and persists it.
// The backend is attempted first; on any backend error the item is written
// to the journal instead and the call still succeeds. Only when both paths
// fail does it return a *PersistenceError.
func (s *Store) Store(ctx context.Context, draft Draft) (*model.MemoryItem, error) {
	if !draft.Type.Valid() {
		return nil, fmt.Errorf("%w: unrecognized memory_type %q", ErrValidation, draft.Type)
	}
	if strings.TrimSpace(draft.Content) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrValidation)
	}

	importance := model.DefaultImportance
	if draft.Importance != nil {
		importance = model.ClampImportance(*draft.Importance)
	}

	item := &model.MemoryItem{
		ID:         uuid.NewString(),
		Type:       draft.Type,
		Content:    draft.Content,
		Context:    draft.Context,
		Tags:       draft.Tags,
		Importance: importance,
		Timestamp:  time.Now().UTC(),
		Evidence:   draft.Evidence,
		Agent:      draft.Agent,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	backendErr := ErrBackendUnavailable
	if s.backend != nil {
		bctx, cancel := context.WithTimeout(ctx, s.timeout)
		backendErr = s.backend.Store(bctx, item)
		cancel()
		if backendErr == nil {
			return item, nil
		}
		s.backendErrors.Add(1)
		s.logger.Warn("backend store failed, falling back to journal",
			zap.String("id", item.ID),
			zap.Error(backendErr))
	}

	if jerr := s.journal.AppendItem(item); jerr != nil {
		return nil, &PersistenceError{Backend: backendErr, Journal: jerr}
	}
	s.fallbacks.Add(1)
	return item, nil
}

// QueryRelevant returns up to limit items ordered by descending relevance
// to text. Scoring is deterministic; ties break on importance, then recency,
// then id, so repeated calls over unchanged data return identical sequences.
func (s *Store) QueryRelevant(ctx context.Context, text string, limit int, recencyBias float64) ([]*model.MemoryItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	fetchLimit := limit
	if fetchLimit < candidateFloor {
		fetchLimit = candidateFloor
	}
	candidates, err := s.fetchCandidates(ctx, Filter{Query: text, Limit: fetchLimit})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ranked := make([]rank.Ranked, len(candidates))
	byID := make(map[string]*model.MemoryItem, len(candidates))
	for i, item := range candidates {
		doc := item.Content + " " + strings.Join(item.Tags, " ")
		ranked[i] = rank.Ranked{
			ID:         item.ID,
			Score:      rank.Score(text, doc, item.Timestamp, item.Importance, now, recencyBias),
			Importance: item.Importance,
			Timestamp:  item.Timestamp,
		}
		byID[item.ID] = item
	}
	sort.Slice(ranked, func(i, j int) bool { return rank.Less(ranked[i], ranked[j]) })

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	result := make([]*model.MemoryItem, len(ranked))
	for i, r := range ranked {
		result[i] = byID[r.ID]
	}
	return result, nil
}

// QueryRecent returns up to limit items whose timestamp falls within the
// last hours and whose tags intersect the supplied set (empty set = no tag
// filter), newest first.
func (s *Store) QueryRecent(ctx context.Context, hours float64, tags []string, limit int) ([]*model.MemoryItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	since := time.Now().UTC().Add(-time.Duration(hours * float64(time.Hour)))
	filter := Filter{Since: since, Tags: tags}
	items, err := s.fetchCandidates(ctx, filter)
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.After(items[j].Timestamp)
		}
		return items[i].ID < items[j].ID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// QueryAged returns every item with a timestamp strictly before the cutoff.
// This is the compression scheduler's selection fetch.
func (s *Store) QueryAged(ctx context.Context, before time.Time) ([]*model.MemoryItem, error) {
	items, err := s.fetchCandidates(ctx, Filter{Before: before})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Timestamp.Before(items[j].Timestamp)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// fetchCandidates merges the backend view with the journal view. The journal
// is always consulted: items written there during a backend outage must stay
// visible after the backend recovers, and journal tombstones must hide
// deletions the backend never observed. Results are deduplicated by id and
// re-filtered locally.
func (s *Store) fetchCandidates(ctx context.Context, filter Filter) ([]*model.MemoryItem, error) {
	var (
		items      []*model.MemoryItem
		backendErr = ErrBackendUnavailable
	)
	if s.backend != nil {
		bctx, cancel := context.WithTimeout(ctx, s.timeout)
		items, backendErr = s.backend.Fetch(bctx, filter)
		cancel()
		if backendErr != nil {
			s.backendErrors.Add(1)
			s.logger.Warn("backend fetch failed, serving from journal", zap.Error(backendErr))
			items = nil
		}
	}

	journaled, jerr := s.journal.Items()
	if jerr != nil {
		if backendErr != nil {
			return nil, &PersistenceError{Backend: backendErr, Journal: jerr}
		}
		s.logger.Warn("journal read failed, serving backend view only", zap.Error(jerr))
	} else {
		s.journalReads.Add(1)
	}

	tombstones, terr := s.journal.Tombstones()
	if terr != nil {
		tombstones = nil
	}

	seen := make(map[string]bool, len(items)+len(journaled))
	merged := make([]*model.MemoryItem, 0, len(items)+len(journaled))
	for _, set := range [][]*model.MemoryItem{items, journaled} {
		for _, item := range set {
			if item == nil || seen[item.ID] || tombstones[item.ID] {
				continue
			}
			if !filter.Match(item) {
				continue
			}
			seen[item.ID] = true
			merged = append(merged, item)
		}
	}
	return merged, nil
}

// UserProfileUpdate carries one provenance-backed change to the user profile.
type UserProfileUpdate struct {
	Summary     string            `json:"summary,omitempty"`
	Facts       map[string]string `json:"facts,omitempty"`
	EvidenceIDs []string          `json:"evidence_ids"`
}

// UpsertUserProfile validates provenance and folds the update into the
// stored profile. Evidence is unioned and deduplicated, so re-applying the
// same update (a compression retry) leaves the profile unchanged. On
// rejection nothing is written.
func (s *Store) UpsertUserProfile(ctx context.Context, update UserProfileUpdate) (*model.UserProfile, error) {
	if err := provenance.ValidateEvidence(update.EvidenceIDs); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.journal.UserProfile()
	if err != nil {
		return nil, fmt.Errorf("read user profile: %w", err)
	}
	merged := &model.UserProfile{UpdatedAt: time.Now().UTC()}
	if current != nil {
		merged.Summary = current.Summary
		merged.Facts = current.Facts
		merged.EvidenceIDs = current.EvidenceIDs
	}
	if update.Summary != "" {
		merged.Summary = update.Summary
	}
	if len(update.Facts) > 0 {
		if merged.Facts == nil {
			merged.Facts = make(map[string]string, len(update.Facts))
		}
		for k, v := range update.Facts {
			merged.Facts[k] = v
		}
	}
	merged.EvidenceIDs = model.MergeEvidence(merged.EvidenceIDs, update.EvidenceIDs)

	if err := s.journal.AppendProfile(merged); err != nil {
		return nil, fmt.Errorf("write user profile: %w", err)
	}
	return merged, nil
}

// ProjectMemoryUpdate carries one provenance-backed change to a project's
// long-term summary.
type ProjectMemoryUpdate struct {
	ProjectName string   `json:"project_name"`
	Summary     string   `json:"summary,omitempty"`
	EvidenceIDs []string `json:"evidence_ids"`
}

// UpsertProjectMemory validates provenance and folds the update into the
// named project's summary, creating it on first touch. One record exists
// per project; repeated runs update it in place.
func (s *Store) UpsertProjectMemory(ctx context.Context, update ProjectMemoryUpdate) (*model.ProjectMemory, error) {
	if strings.TrimSpace(update.ProjectName) == "" {
		return nil, fmt.Errorf("%w: empty project_name", ErrValidation)
	}
	if err := provenance.ValidateEvidence(update.EvidenceIDs); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	projects, err := s.journal.ProjectMemories()
	if err != nil {
		return nil, fmt.Errorf("read project memories: %w", err)
	}
	merged := &model.ProjectMemory{
		ProjectName: update.ProjectName,
		LastUpdated: time.Now().UTC(),
	}
	if current, ok := projects[update.ProjectName]; ok {
		merged.Summary = current.Summary
		merged.EvidenceIDs = current.EvidenceIDs
	}
	if update.Summary != "" {
		merged.Summary = update.Summary
	}
	merged.EvidenceIDs = model.MergeEvidence(merged.EvidenceIDs, update.EvidenceIDs)

	if err := s.journal.AppendProject(merged); err != nil {
		return nil, fmt.Errorf("write project memory %s: %w", update.ProjectName, err)
	}
	return merged, nil
}

// UserProfile returns the current long-term user profile, or nil when no
// compression run has produced one yet.
func (s *Store) UserProfile(ctx context.Context) (*model.UserProfile, error) {
	return s.journal.UserProfile()
}

// ProjectMemory returns the named project's long-term summary, or nil when
// the project has never been compressed.
func (s *Store) ProjectMemory(ctx context.Context, name string) (*model.ProjectMemory, error) {
	projects, err := s.journal.ProjectMemories()
	if err != nil {
		return nil, err
	}
	return projects[name], nil
}

// ProjectMemories returns every project summary keyed by project name.
func (s *Store) ProjectMemories(ctx context.Context) (map[string]*model.ProjectMemory, error) {
	return s.journal.ProjectMemories()
}

// Delete removes the item from whichever store currently holds it.
// Idempotent: deleting an id that does not exist is not an error. A journal
// tombstone is always appended so the id can never resurface from either
// tier, even if the backend delete could not be delivered.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	backendErr := ErrBackendUnavailable
	if s.backend != nil {
		bctx, cancel := context.WithTimeout(ctx, s.timeout)
		backendErr = s.backend.Delete(bctx, id)
		cancel()
		if backendErr != nil {
			s.backendErrors.Add(1)
			s.logger.Warn("backend delete failed, relying on tombstone",
				zap.String("id", id),
				zap.Error(backendErr))
		}
	}

	if jerr := s.journal.AppendTombstone(id); jerr != nil {
		if backendErr != nil {
			return &PersistenceError{Backend: backendErr, Journal: jerr}
		}
		// Backend delete succeeded, but the journal may still hold the item
		// from an earlier outage write; without the tombstone it would stay
		// visible. Swallow the failure only when the journal provably does
		// not hold the id.
		if items, rerr := s.journal.Items(); rerr == nil && !containsItem(items, id) {
			s.logger.Warn("tombstone append failed after backend delete",
				zap.String("id", id),
				zap.Error(jerr))
			return nil
		}
		return fmt.Errorf("delete %s: append tombstone: %w", id, jerr)
	}
	return nil
}

func containsItem(items []*model.MemoryItem, id string) bool {
	for _, item := range items {
		if item.ID == id {
			return true
		}
	}
	return false
}

// Diagnostics is a point-in-time snapshot of fallback activity. Backend
// unavailability is not surfaced to callers as an error, so these counters
// are how operators observe it.
type Diagnostics struct {
	BackendErrors    int64 `json:"backend_errors"`
	JournalFallbacks int64 `json:"journal_fallbacks"`
	JournalReads     int64 `json:"journal_reads"`
	BackendHealthy   bool  `json:"backend_healthy"`
}

// Diagnostics reports fallback counters and a live backend health probe.
func (s *Store) Diagnostics(ctx context.Context) Diagnostics {
	d := Diagnostics{
		BackendErrors:    s.backendErrors.Load(),
		JournalFallbacks: s.fallbacks.Load(),
		JournalReads:     s.journalReads.Load(),
	}
	if s.backend != nil {
		bctx, cancel := context.WithTimeout(ctx, s.timeout)
		d.BackendHealthy = s.backend.Ping(bctx) == nil
		cancel()
	}
	return d
}
