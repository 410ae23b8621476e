package compress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nidhogg/engram/internal/journal"
	"github.com/nidhogg/engram/internal/memory"
	"github.com/nidhogg/engram/internal/model"
	"go.uber.org/zap"
)

// newAgedStore builds a journal-backed store pre-seeded with items old enough
// for compression to select. Items are written straight to the journal so
// their timestamps can sit behind the cutoff.
func newAgedStore(t *testing.T, general, project int) *memory.Store {
	t.Helper()
	j, err := journal.Open(t.TempDir(), journal.Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	old := time.Now().UTC().Add(-72 * time.Hour)
	for i := 0; i < general; i++ {
		item := &model.MemoryItem{
			ID:         uuid.NewString(),
			Type:       model.TypeFact,
			Content:    fmt.Sprintf("general observation %d", i),
			Importance: 0.5,
			Timestamp:  old.Add(time.Duration(i) * time.Minute),
		}
		if err := j.AppendItem(item); err != nil {
			t.Fatalf("seed general item: %v", err)
		}
	}
	for i := 0; i < project; i++ {
		item := &model.MemoryItem{
			ID:         uuid.NewString(),
			Type:       model.TypeDecision,
			Content:    fmt.Sprintf("alpha decision %d", i),
			Tags:       []string{"project:alpha"},
			Importance: 0.5,
			Timestamp:  old.Add(time.Duration(i) * time.Minute),
		}
		if err := j.AppendItem(item); err != nil {
			t.Fatalf("seed project item: %v", err)
		}
	}
	return memory.New(nil, j, memory.Options{}, zap.NewNop())
}

func TestRunConsolidatesAndDeletes(t *testing.T) {
	store := newAgedStore(t, 40, 10)
	comp := New(store, Config{}, zap.NewNop())
	ctx := context.Background()

	report, err := comp.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Selected != 50 || report.General != 40 || report.Deleted != 50 {
		t.Fatalf("report %+v, want 50 selected / 40 general / 50 deleted", report)
	}
	if len(report.Projects) != 1 || report.Projects[0] != "alpha" {
		t.Fatalf("projects %v, want [alpha]", report.Projects)
	}

	profile, err := store.UserProfile(ctx)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile == nil || len(profile.EvidenceIDs) != 40 {
		t.Fatalf("profile evidence: got %v, want 40 ids", profile)
	}
	alpha, err := store.ProjectMemory(ctx, "alpha")
	if err != nil {
		t.Fatalf("project memory: %v", err)
	}
	if alpha == nil || len(alpha.EvidenceIDs) != 10 {
		t.Fatalf("alpha evidence: got %v, want 10 ids", alpha)
	}

	remaining, err := store.QueryAged(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("query aged: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("%d items survived compression", len(remaining))
	}
}

func TestRunSecondPassIsNoOp(t *testing.T) {
	store := newAgedStore(t, 5, 2)
	comp := New(store, Config{}, zap.NewNop())
	ctx := context.Background()

	if _, err := comp.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := comp.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Selected != 0 || report.Deleted != 0 {
		t.Fatalf("second run report %+v, want zero selected and deleted", report)
	}
}

func TestRunZeroSelectionIsSuccess(t *testing.T) {
	store := newAgedStore(t, 0, 0)
	comp := New(store, Config{}, zap.NewNop())

	report, err := comp.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Selected != 0 {
		t.Fatalf("report %+v, want empty", report)
	}
}

// failingStore forwards to a real store but fails the nth profile write,
// simulating a crash between summary writes and the delete step.
type failingStore struct {
	*memory.Store
	failProfile bool
	failProject bool
}

var errInjected = errors.New("injected write failure")

func (f *failingStore) UpsertUserProfile(ctx context.Context, update memory.UserProfileUpdate) (*model.UserProfile, error) {
	if f.failProfile {
		return nil, errInjected
	}
	return f.Store.UpsertUserProfile(ctx, update)
}

func (f *failingStore) UpsertProjectMemory(ctx context.Context, update memory.ProjectMemoryUpdate) (*model.ProjectMemory, error) {
	if f.failProject {
		return nil, errInjected
	}
	return f.Store.UpsertProjectMemory(ctx, update)
}

func TestRunAbortsBeforeDeleteOnSummaryFailure(t *testing.T) {
	inner := newAgedStore(t, 3, 2)
	wrapped := &failingStore{Store: inner, failProfile: true}
	comp := New(wrapped, Config{}, zap.NewNop())
	ctx := context.Background()

	if _, err := comp.Run(ctx); !errors.Is(err, errInjected) {
		t.Fatalf("run: got %v, want injected failure", err)
	}

	// Nothing may be deleted when any summary write failed.
	remaining, err := inner.QueryAged(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("query aged: %v", err)
	}
	if len(remaining) != 5 {
		t.Fatalf("%d items remain, want all 5", len(remaining))
	}
}

// A run that wrote the profile but failed on a project summary must be safely
// repeatable: the retry reselects the same items and the evidence union leaves
// the profile unchanged.
func TestRunRetryAfterPartialFailureIsIdempotent(t *testing.T) {
	inner := newAgedStore(t, 3, 2)
	wrapped := &failingStore{Store: inner, failProject: true}
	comp := New(wrapped, Config{}, zap.NewNop())
	ctx := context.Background()

	if _, err := comp.Run(ctx); !errors.Is(err, errInjected) {
		t.Fatalf("first run: got %v, want injected failure", err)
	}
	afterFirst, _ := inner.UserProfile(ctx)
	if afterFirst == nil || len(afterFirst.EvidenceIDs) != 3 {
		t.Fatalf("profile after partial run: %+v", afterFirst)
	}

	wrapped.failProject = false
	report, err := comp.Run(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if report.Deleted != 5 {
		t.Fatalf("retry deleted %d, want 5", report.Deleted)
	}

	afterRetry, _ := inner.UserProfile(ctx)
	if len(afterRetry.EvidenceIDs) != 3 {
		t.Fatalf("evidence duplicated on retry: %v", afterRetry.EvidenceIDs)
	}
	alpha, _ := inner.ProjectMemory(ctx, "alpha")
	if alpha == nil || len(alpha.EvidenceIDs) != 2 {
		t.Fatalf("alpha after retry: %+v", alpha)
	}
}

func TestRunCutoffExcludesFreshItems(t *testing.T) {
	j, err := journal.Open(t.TempDir(), journal.Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	j.AppendItem(&model.MemoryItem{
		ID: uuid.NewString(), Type: model.TypeFact, Content: "fresh",
		Importance: 0.5, Timestamp: time.Now().UTC(),
	})
	j.AppendItem(&model.MemoryItem{
		ID: uuid.NewString(), Type: model.TypeFact, Content: "stale",
		Importance: 0.5, Timestamp: time.Now().UTC().Add(-100 * time.Hour),
	})
	store := memory.New(nil, j, memory.Options{}, zap.NewNop())
	comp := New(store, Config{}, zap.NewNop())
	ctx := context.Background()

	report, err := comp.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Selected != 1 || report.Deleted != 1 {
		t.Fatalf("report %+v, want exactly the stale item", report)
	}

	recent, _ := store.QueryRecent(ctx, 1, nil, 10)
	if len(recent) != 1 || recent[0].Content != "fresh" {
		t.Fatalf("fresh item touched: %v", recent)
	}
}

type heldLock struct{}

func (heldLock) Acquire(context.Context) (func(), error) { return nil, ErrLockHeld }

func TestRunSkipsWhenLockHeld(t *testing.T) {
	store := newAgedStore(t, 2, 0)
	comp := New(store, Config{Lock: heldLock{}}, zap.NewNop())
	ctx := context.Background()

	report, err := comp.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !report.Skipped {
		t.Fatal("run did not report skip while lock held")
	}

	remaining, _ := store.QueryAged(ctx, time.Now().UTC())
	if len(remaining) != 2 {
		t.Fatalf("skipped run touched data: %d items remain", len(remaining))
	}
}

func TestDigestTruncatesOnRuneBoundary(t *testing.T) {
	// 60 three-byte runes = 180 bytes; the cap at 160 lands mid-rune.
	item := &model.MemoryItem{
		ID:      "id-1",
		Type:    model.TypeFact,
		Content: strings.Repeat("記", 60),
	}
	got := digest([]*model.MemoryItem{item})
	if !utf8.ValidString(got) {
		t.Fatalf("digest is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated line missing ellipsis: %q", got)
	}

	short := &model.MemoryItem{ID: "id-2", Type: model.TypeFact, Content: "fits"}
	if out := digest([]*model.MemoryItem{short}); strings.Contains(out, "…") {
		t.Errorf("short content truncated: %q", out)
	}
}

func TestPartitionMultiProjectItem(t *testing.T) {
	shared := &model.MemoryItem{
		ID: "shared", Type: model.TypeDecision, Content: "spans both",
		Tags: []string{"project:alpha", "project:beta"},
	}
	plain := &model.MemoryItem{ID: "plain", Type: model.TypeFact, Content: "general"}

	general, byProject, names := partition([]*model.MemoryItem{shared, plain})
	if len(general) != 1 || general[0].ID != "plain" {
		t.Errorf("general: %v", general)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("names: %v", names)
	}
	if len(byProject["alpha"]) != 1 || len(byProject["beta"]) != 1 {
		t.Errorf("shared item not in both subsets: %v", byProject)
	}
}
