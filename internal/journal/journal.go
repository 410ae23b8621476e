// Package journal is the append-only local persistence tier. It is the
// system of record whenever the primary backend is unreachable, and doubles
// as an audit log. Records are appended, never rewritten; deletion is a
// logical tombstone honored when the log is materialized.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nidhogg/engram/internal/model"
	"go.uber.org/zap"
)

// Tier selects one of the two logs.
type Tier string

const (
	ShortTerm Tier = "short_term"
	LongTerm  Tier = "long_term"
)

// RecordType discriminates journal record payloads.
type RecordType string

const (
	RecordItem          RecordType = "memory_item"
	RecordUserProfile   RecordType = "user_profile"
	RecordProjectMemory RecordType = "project_memory"
	RecordTombstone     RecordType = "tombstone"
)

// Record is one journal line. Exactly one payload field is set, selected by
// Type. Readers ignore unknown fields so the layout stays forward-compatible.
type Record struct {
	Type        RecordType           `json:"record_type"`
	WrittenAt   time.Time            `json:"written_at"`
	Item        *model.MemoryItem    `json:"item,omitempty"`
	Profile     *model.UserProfile   `json:"user_profile,omitempty"`
	Project     *model.ProjectMemory `json:"project_memory,omitempty"`
	TombstoneID string               `json:"tombstone_id,omitempty"`
}

// Journal owns the two tier logs under a single directory.
type Journal struct {
	dir    string
	fsync  bool
	mu     [2]sync.Mutex // one writer lock per tier
	logger *zap.Logger
}

// Options tunes journal behavior.
type Options struct {
	// Fsync forces a file sync after every append. Slower, but an append is
	// then durable even across power loss, not just process crash.
	Fsync bool
}

// Open creates the journal directory if needed and returns a Journal.
func Open(dir string, opts Options, logger *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir %s: %w", dir, err)
	}
	return &Journal{dir: dir, fsync: opts.Fsync, logger: logger}, nil
}

func (j *Journal) path(tier Tier) string {
	return filepath.Join(j.dir, string(tier)+".log")
}

func (j *Journal) lock(tier Tier) *sync.Mutex {
	if tier == LongTerm {
		return &j.mu[1]
	}
	return &j.mu[0]
}

// Append writes one record to the tier's log. The record is serialized to a
// single line and written with one write call, so a crashed append leaves at
// worst a trailing fragment that readers discard.
func (j *Journal) Append(tier Tier, rec Record) error {
	if rec.WrittenAt.IsZero() {
		rec.WrittenAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal: marshal record: %w", err)
	}
	data = append(data, '\n')

	mu := j.lock(tier)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(j.path(tier), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", tier, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("journal: append %s: %w", tier, err)
	}
	if j.fsync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("journal: sync %s: %w", tier, err)
		}
	}
	return nil
}

// ReadAll replays every well-formed record in the tier's log, in append
// order. A trailing line without a newline is a crash artifact and is
// skipped; so are lines that fail to parse.
func (j *Journal) ReadAll(tier Tier) ([]Record, error) {
	mu := j.lock(tier)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(j.path(tier))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: read %s: %w", tier, err)
	}

	// Discard a half-written final record.
	if len(data) > 0 && data[len(data)-1] != '\n' {
		if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
			data = data[:i+1]
		} else {
			data = nil
		}
	}

	// Lines are parsed individually with no length cap: a record is as long
	// as its item's content, and one oversized or mangled line must never
	// block replay of the rest of the log.
	var records []Record
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			j.logger.Warn("journal: skipping unparseable record",
				zap.String("tier", string(tier)),
				zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// AppendItem journals a memory item into the short-term log.
func (j *Journal) AppendItem(item *model.MemoryItem) error {
	return j.Append(ShortTerm, Record{Type: RecordItem, Item: item})
}

// AppendTombstone journals a logical delete for the given item id.
func (j *Journal) AppendTombstone(id string) error {
	return j.Append(ShortTerm, Record{Type: RecordTombstone, TombstoneID: id})
}

// AppendProfile journals the full current user profile into the long-term
// log. The latest profile record wins on read, so rewriting the merged
// profile overwrites rather than accumulates.
func (j *Journal) AppendProfile(p *model.UserProfile) error {
	return j.Append(LongTerm, Record{Type: RecordUserProfile, Profile: p})
}

// AppendProject journals the full current state of one project memory.
func (j *Journal) AppendProject(pm *model.ProjectMemory) error {
	return j.Append(LongTerm, Record{Type: RecordProjectMemory, Project: pm})
}

// Items materializes the short-term log: every journaled item that has not
// been tombstoned, in append order.
func (j *Journal) Items() ([]*model.MemoryItem, error) {
	records, err := j.ReadAll(ShortTerm)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.MemoryItem)
	var order []string
	for _, rec := range records {
		switch rec.Type {
		case RecordItem:
			if rec.Item == nil || rec.Item.ID == "" {
				continue
			}
			if _, ok := byID[rec.Item.ID]; !ok {
				order = append(order, rec.Item.ID)
			}
			byID[rec.Item.ID] = rec.Item
		case RecordTombstone:
			delete(byID, rec.TombstoneID)
		}
	}
	items := make([]*model.MemoryItem, 0, len(byID))
	for _, id := range order {
		if item, ok := byID[id]; ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// Tombstones returns the set of item ids that have been logically deleted.
// Materialized views must exclude these ids regardless of which tier or
// backend still physically holds the record.
func (j *Journal) Tombstones() (map[string]bool, error) {
	records, err := j.ReadAll(ShortTerm)
	if err != nil {
		return nil, err
	}
	tombstones := make(map[string]bool)
	for _, rec := range records {
		if rec.Type == RecordTombstone && rec.TombstoneID != "" {
			tombstones[rec.TombstoneID] = true
		}
	}
	return tombstones, nil
}

// UserProfile materializes the long-term log's user profile, or nil when no
// profile has been written yet.
func (j *Journal) UserProfile() (*model.UserProfile, error) {
	records, err := j.ReadAll(LongTerm)
	if err != nil {
		return nil, err
	}
	var profile *model.UserProfile
	for _, rec := range records {
		if rec.Type == RecordUserProfile && rec.Profile != nil {
			profile = rec.Profile
		}
	}
	return profile, nil
}

// ProjectMemories materializes the long-term log's project summaries,
// keyed by project name. The latest record per project wins.
func (j *Journal) ProjectMemories() (map[string]*model.ProjectMemory, error) {
	records, err := j.ReadAll(LongTerm)
	if err != nil {
		return nil, err
	}
	projects := make(map[string]*model.ProjectMemory)
	for _, rec := range records {
		if rec.Type == RecordProjectMemory && rec.Project != nil && rec.Project.ProjectName != "" {
			projects[rec.Project.ProjectName] = rec.Project
		}
	}
	return projects, nil
}
