package memory

import (
	"context"
	"time"

	"github.com/nidhogg/engram/internal/model"
)

// Filter narrows a backend candidate fetch. Zero values mean "no bound".
// Backends may over-fetch; the store re-applies the filter locally, so an
// implementation only needs best-effort narrowing.
type Filter struct {
	// Query is free text used for candidate recall (e.g. vector search).
	Query string
	// Tags keeps items carrying at least one of these tags.
	Tags []string
	// Since keeps items with Timestamp >= Since.
	Since time.Time
	// Before keeps items with Timestamp < Before.
	Before time.Time
	// Limit caps the candidate count; 0 means backend default.
	Limit int
}

// Match reports whether an item passes the filter's tag and time bounds.
// Query is recall guidance only and is not checked here.
func (f Filter) Match(item *model.MemoryItem) bool {
	if !f.Since.IsZero() && item.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Before.IsZero() && !item.Timestamp.Before(f.Before) {
		return false
	}
	return item.HasAnyTag(f.Tags)
}

// Backend is the uniform boundary over a vector-capable store. Any call may
// fail with a connectivity error; the store treats every Backend error as
// transient and routes that single call to the failsafe journal. The next
// call re-attempts the backend.
type Backend interface {
	Store(ctx context.Context, item *model.MemoryItem) error
	Fetch(ctx context.Context, filter Filter) ([]*model.MemoryItem, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}
