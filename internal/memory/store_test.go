package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/engram/internal/journal"
	"github.com/nidhogg/engram/internal/model"
	"github.com/nidhogg/engram/internal/provenance"
	"go.uber.org/zap"
)

// fakeBackend is an in-memory Backend with a switchable outage mode.
type fakeBackend struct {
	mu    sync.Mutex
	items map[string]*model.MemoryItem
	down  bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{items: make(map[string]*model.MemoryItem)}
}

var errConnRefused = errors.New("connection refused")

func (f *fakeBackend) Store(_ context.Context, item *model.MemoryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errConnRefused
	}
	f.items[item.ID] = item
	return nil
}

func (f *fakeBackend) Fetch(_ context.Context, filter Filter) ([]*model.MemoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errConnRefused
	}
	var out []*model.MemoryItem
	for _, item := range f.items {
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeBackend) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errConnRefused
	}
	delete(f.items, id)
	return nil
}

func (f *fakeBackend) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errConnRefused
	}
	return nil
}

func (f *fakeBackend) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	j, err := journal.Open(t.TempDir(), journal.Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	return New(backend, j, Options{}, zap.NewNop())
}

func floatPtr(v float64) *float64 { return &v }

func TestStoreAssignsIdentity(t *testing.T) {
	s := newTestStore(t, newFakeBackend())

	before := time.Now().UTC()
	item, err := s.Store(context.Background(), Draft{Type: model.TypeFact, Content: "go modules exist"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := uuid.Parse(item.ID); err != nil {
		t.Errorf("id %q is not a uuid: %v", item.ID, err)
	}
	if item.Timestamp.Before(before) {
		t.Errorf("timestamp %v predates the call", item.Timestamp)
	}
	if item.Importance != model.DefaultImportance {
		t.Errorf("got importance %v, want default %v", item.Importance, model.DefaultImportance)
	}
}

func TestStoreClampsImportance(t *testing.T) {
	s := newTestStore(t, newFakeBackend())

	item, err := s.Store(context.Background(), Draft{
		Type: model.TypeFact, Content: "over the top", Importance: floatPtr(3.5),
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if item.Importance != 1 {
		t.Errorf("got importance %v, want clamped 1", item.Importance)
	}
}

func TestStoreValidation(t *testing.T) {
	s := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	tests := []struct {
		name  string
		draft Draft
	}{
		{"unknown type", Draft{Type: "vibe", Content: "x"}},
		{"empty type", Draft{Content: "x"}},
		{"empty content", Draft{Type: model.TypeFact}},
		{"whitespace content", Draft{Type: model.TypeFact, Content: "   \n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Store(ctx, tt.draft); !errors.Is(err, ErrValidation) {
				t.Errorf("got %v, want ErrValidation", err)
			}
		})
	}
}

func TestStoreThenQueryRecent(t *testing.T) {
	s := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	item, err := s.Store(ctx, Draft{Type: model.TypePreference, Content: "dark mode on", Tags: []string{"ui"}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := s.QueryRecent(ctx, 1, nil, 10)
	if err != nil {
		t.Fatalf("query recent: %v", err)
	}
	if len(got) != 1 || got[0].ID != item.ID {
		t.Fatalf("stored item not visible: got %v", got)
	}
}

func TestQueryRecentTagFilter(t *testing.T) {
	s := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	s.Store(ctx, Draft{Type: model.TypeFact, Content: "tagged", Tags: []string{"ui", "theme"}})
	s.Store(ctx, Draft{Type: model.TypeFact, Content: "untagged"})

	got, err := s.QueryRecent(ctx, 1, []string{"theme"}, 10)
	if err != nil {
		t.Fatalf("query recent: %v", err)
	}
	if len(got) != 1 || got[0].Content != "tagged" {
		t.Fatalf("tag filter failed: got %v", got)
	}

	all, _ := s.QueryRecent(ctx, 1, nil, 10)
	if len(all) != 2 {
		t.Fatalf("empty tag filter should match all: got %d", len(all))
	}
}

func TestStoreFallsBackToJournal(t *testing.T) {
	backend := newFakeBackend()
	backend.setDown(true)
	s := newTestStore(t, backend)
	ctx := context.Background()

	item, err := s.Store(ctx, Draft{Type: model.TypeCrumb, Content: "written during outage"})
	if err != nil {
		t.Fatalf("store should succeed via journal: %v", err)
	}

	// Adapter still unreachable: reads must come from the journal.
	got, err := s.QueryRecent(ctx, 1, nil, 10)
	if err != nil {
		t.Fatalf("query recent: %v", err)
	}
	if len(got) != 1 || got[0].ID != item.ID {
		t.Fatalf("journal fallback read failed: got %v", got)
	}

	d := s.Diagnostics(ctx)
	if d.BackendErrors == 0 || d.JournalFallbacks == 0 {
		t.Errorf("fallback not observable in diagnostics: %+v", d)
	}
	if d.BackendHealthy {
		t.Error("backend reported healthy during outage")
	}
}

// An item journaled during an outage must remain visible after the backend
// recovers, even though the backend never saw it.
func TestWriteVisibleAcrossBackendRecovery(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	backend.setDown(true)
	item, err := s.Store(ctx, Draft{Type: model.TypeFact, Content: "outage write"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	backend.setDown(false)

	got, err := s.QueryRecent(ctx, 1, nil, 10)
	if err != nil {
		t.Fatalf("query recent: %v", err)
	}
	if len(got) != 1 || got[0].ID != item.ID {
		t.Fatalf("journaled item lost after recovery: got %v", got)
	}
}

func TestPersistenceErrorWhenBothPathsFail(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir, journal.Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	// A directory where the log file should be makes every append fail.
	if err := os.Mkdir(filepath.Join(dir, "short_term.log"), 0o755); err != nil {
		t.Fatalf("break journal: %v", err)
	}

	backend := newFakeBackend()
	backend.setDown(true)
	s := New(backend, j, Options{}, zap.NewNop())

	_, err = s.Store(context.Background(), Draft{Type: model.TypeFact, Content: "doomed"})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want *PersistenceError", err)
	}
	if pe.Backend == nil || pe.Journal == nil {
		t.Errorf("persistence error missing a cause: %+v", pe)
	}
}

func TestQueryRelevantOrderingAndStability(t *testing.T) {
	s := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	s.Store(ctx, Draft{Type: model.TypeFact, Content: "user likes dark mode", Importance: floatPtr(0.5)})
	s.Store(ctx, Draft{Type: model.TypeFact, Content: "meeting at noon", Importance: floatPtr(0.5)})
	s.Store(ctx, Draft{Type: model.TypePreference, Content: "dark mode everywhere always", Importance: floatPtr(0.9)})

	first, err := s.QueryRelevant(ctx, "dark mode preference", 3, 0.3)
	if err != nil {
		t.Fatalf("query relevant: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("got %d items, want 3", len(first))
	}
	if first[0].Content == "meeting at noon" {
		t.Errorf("irrelevant item ranked first")
	}

	for i := 0; i < 5; i++ {
		again, err := s.QueryRelevant(ctx, "dark mode preference", 3, 0.3)
		if err != nil {
			t.Fatalf("repeat query: %v", err)
		}
		for pos := range first {
			if again[pos].ID != first[pos].ID {
				t.Fatalf("run %d: position %d changed from %s to %s", i, pos, first[pos].ID, again[pos].ID)
			}
		}
	}
}

func TestQueryRelevantLimit(t *testing.T) {
	s := newTestStore(t, newFakeBackend())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Store(ctx, Draft{Type: model.TypeFact, Content: "dark mode item"})
	}

	got, err := s.QueryRelevant(ctx, "dark mode", 2, 0.3)
	if err != nil {
		t.Fatalf("query relevant: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d items, want 2", len(got))
	}

	none, err := s.QueryRelevant(ctx, "dark mode", 0, 0.3)
	if err != nil || none != nil {
		t.Errorf("limit 0: got %v, %v", none, err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	item, _ := s.Store(ctx, Draft{Type: model.TypeFact, Content: "short lived"})

	if err := s.Delete(ctx, item.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, item.ID); err != nil {
		t.Errorf("second delete errored: %v", err)
	}
	if err := s.Delete(ctx, uuid.NewString()); err != nil {
		t.Errorf("deleting unknown id errored: %v", err)
	}

	got, _ := s.QueryRecent(ctx, 1, nil, 10)
	if len(got) != 0 {
		t.Errorf("deleted item still visible: %v", got)
	}
}

// A huge but valid draft must not degrade the store: both the large item
// and items written after it stay readable through the journal path.
func TestLargeItemDoesNotPoisonJournalReads(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	big, err := s.Store(ctx, Draft{Type: model.TypeFact, Content: strings.Repeat("x", 5<<20)})
	if err != nil {
		t.Fatalf("store large item: %v", err)
	}
	small, err := s.Store(ctx, Draft{Type: model.TypeFact, Content: "written after"})
	if err != nil {
		t.Fatalf("store small item: %v", err)
	}

	got, err := s.QueryRecent(ctx, 1, nil, 10)
	if err != nil {
		t.Fatalf("query recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
	ids := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !ids[big.ID] || !ids[small.ID] {
		t.Fatalf("items lost after large write: %v", ids)
	}
}

// When the item may still live in the journal, a failed tombstone append
// must surface as an error even though the backend delete succeeded.
func TestDeleteSurfacesTombstoneFailureForJournaledItem(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir, journal.Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	backend := newFakeBackend()
	s := New(backend, j, Options{}, zap.NewNop())
	ctx := context.Background()

	backend.setDown(true)
	item, err := s.Store(ctx, Draft{Type: model.TypeFact, Content: "journal only"})
	if err != nil {
		t.Fatalf("store during outage: %v", err)
	}
	backend.setDown(false)

	// Break the short-term log so the tombstone cannot be appended.
	logPath := filepath.Join(dir, "short_term.log")
	if err := os.Remove(logPath); err != nil {
		t.Fatalf("remove log: %v", err)
	}
	if err := os.Mkdir(logPath, 0o755); err != nil {
		t.Fatalf("break log: %v", err)
	}

	if err := s.Delete(ctx, item.ID); err == nil {
		t.Fatal("delete returned nil despite unrecorded tombstone")
	}
}

// A delete issued during an outage must stick: the tombstone hides the
// backend's copy after recovery.
func TestDeleteDuringOutageHidesBackendCopy(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ctx := context.Background()

	item, _ := s.Store(ctx, Draft{Type: model.TypeFact, Content: "to be deleted"})

	backend.setDown(true)
	if err := s.Delete(ctx, item.ID); err != nil {
		t.Fatalf("delete during outage: %v", err)
	}
	backend.setDown(false)

	got, _ := s.QueryRecent(ctx, 1, nil, 10)
	if len(got) != 0 {
		t.Errorf("tombstoned item resurfaced from backend: %v", got)
	}
}

func TestUpsertUserProfileRejectsEmptyEvidence(t *testing.T) {
	s := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	_, err := s.UpsertUserProfile(ctx, UserProfileUpdate{Summary: "no proof"})
	if !errors.Is(err, provenance.ErrRejectedNoEvidence) {
		t.Fatalf("got %v, want ErrRejectedNoEvidence", err)
	}

	// Rejection must leave stored state untouched.
	profile, err := s.UserProfile(ctx)
	if err != nil {
		t.Fatalf("read profile: %v", err)
	}
	if profile != nil {
		t.Errorf("partial write after rejection: %+v", profile)
	}
}

func TestUpsertUserProfileMergesAndDedups(t *testing.T) {
	s := newTestStore(t, newFakeBackend())
	ctx := context.Background()
	idA, idB := uuid.NewString(), uuid.NewString()

	if _, err := s.UpsertUserProfile(ctx, UserProfileUpdate{
		Summary:     "first pass",
		Facts:       map[string]string{"editor": "vim"},
		EvidenceIDs: []string{idA},
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	merged, err := s.UpsertUserProfile(ctx, UserProfileUpdate{
		Facts:       map[string]string{"shell": "zsh"},
		EvidenceIDs: []string{idA, idB},
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if merged.Summary != "first pass" {
		t.Errorf("summary lost on merge: %q", merged.Summary)
	}
	if merged.Facts["editor"] != "vim" || merged.Facts["shell"] != "zsh" {
		t.Errorf("facts not merged: %v", merged.Facts)
	}
	if len(merged.EvidenceIDs) != 2 {
		t.Errorf("evidence not deduplicated: %v", merged.EvidenceIDs)
	}
}

func TestUpsertProjectMemorySingleRecordPerProject(t *testing.T) {
	s := newTestStore(t, newFakeBackend())
	ctx := context.Background()
	idA, idB := uuid.NewString(), uuid.NewString()

	s.UpsertProjectMemory(ctx, ProjectMemoryUpdate{ProjectName: "alpha", Summary: "v1", EvidenceIDs: []string{idA}})
	s.UpsertProjectMemory(ctx, ProjectMemoryUpdate{ProjectName: "alpha", Summary: "v2", EvidenceIDs: []string{idB}})

	projects, err := s.ProjectMemories(ctx)
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("got %d records for one project, want 1", len(projects))
	}
	alpha := projects["alpha"]
	if alpha.Summary != "v2" {
		t.Errorf("summary not updated: %q", alpha.Summary)
	}
	if len(alpha.EvidenceIDs) != 2 {
		t.Errorf("evidence not accumulated: %v", alpha.EvidenceIDs)
	}
}

func TestUpsertProjectMemoryValidation(t *testing.T) {
	s := newTestStore(t, newFakeBackend())
	ctx := context.Background()

	if _, err := s.UpsertProjectMemory(ctx, ProjectMemoryUpdate{Summary: "nameless", EvidenceIDs: []string{uuid.NewString()}}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty name: got %v, want ErrValidation", err)
	}
	if _, err := s.UpsertProjectMemory(ctx, ProjectMemoryUpdate{ProjectName: "alpha"}); !errors.Is(err, provenance.ErrRejectedNoEvidence) {
		t.Errorf("no evidence: got %v, want ErrRejectedNoEvidence", err)
	}
}
