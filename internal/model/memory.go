package model

import (
	"strings"
	"time"
)

// MemoryType classifies what kind of observation a MemoryItem records.
type MemoryType string

const (
	TypeFact       MemoryType = "fact"
	TypePreference MemoryType = "preference"
	TypeProject    MemoryType = "project"
	TypeDecision   MemoryType = "decision"
	TypeCrumb      MemoryType = "crumb"
	TypeRequest    MemoryType = "request"
	TypeResult     MemoryType = "result"
)

// Valid reports whether t is a recognized memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case TypeFact, TypePreference, TypeProject, TypeDecision, TypeCrumb, TypeRequest, TypeResult:
		return true
	}
	return false
}

// DefaultImportance is assigned when a caller omits the importance score.
const DefaultImportance = 0.5

// ProjectTagPrefix marks a tag as a project scope marker, e.g. "project:alpha".
const ProjectTagPrefix = "project:"

// MemoryItem is an atomic observation captured by an agent or caller.
// Items are immutable once written; the only mutation is deletion.
type MemoryItem struct {
	ID         string     `json:"id"`
	Type       MemoryType `json:"memory_type"`
	Content    string     `json:"content"`
	Context    string     `json:"context,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Importance float64    `json:"importance"`
	Timestamp  time.Time  `json:"timestamp"`
	Evidence   []string   `json:"evidence,omitempty"`
	Agent      string     `json:"agent,omitempty"`
}

// Projects returns the distinct project names referenced by the item's
// "project:<name>" tags, in tag order.
func (m *MemoryItem) Projects() []string {
	var names []string
	seen := make(map[string]bool)
	for _, tag := range m.Tags {
		if !strings.HasPrefix(tag, ProjectTagPrefix) {
			continue
		}
		name := strings.TrimPrefix(tag, ProjectTagPrefix)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// HasAnyTag reports whether the item carries at least one of the given tags.
// An empty filter matches everything.
func (m *MemoryItem) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range m.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// ClampImportance bounds an importance score to [0, 1] so ranking output
// stays bounded regardless of caller input.
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// UserProfile is the long-term summary of stable facts and preferences
// about the user. It is created by the first compression run and mutated,
// never deleted, by every subsequent run.
type UserProfile struct {
	Summary     string            `json:"summary"`
	Facts       map[string]string `json:"facts,omitempty"`
	EvidenceIDs []string          `json:"evidence_ids"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ProjectMemory is a long-term summary scoped to a single project tag.
// Exactly one record exists per distinct project name.
type ProjectMemory struct {
	ProjectName string    `json:"project_name"`
	Summary     string    `json:"summary"`
	EvidenceIDs []string  `json:"evidence_ids"`
	LastUpdated time.Time `json:"last_updated"`
}

// MergeEvidence unions two evidence id sequences, preserving first-seen
// order and dropping duplicates. Re-applying the same update is therefore
// a no-op, which keeps compression retries idempotent.
func MergeEvidence(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, lists := range [][]string{existing, incoming} {
		for _, id := range lists {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, id)
		}
	}
	return merged
}
