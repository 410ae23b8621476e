// Package store is the PostgreSQL implementation of the memory store's
// persistence backend boundary, for deployments that prefer a relational
// store over qdrant. Candidate recall is token-match plus recency; the
// memory store re-ranks every candidate deterministically, so recall here
// only needs to be generous, not precise.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/engram/internal/memory"
	"github.com/nidhogg/engram/internal/model"
	"github.com/nidhogg/engram/internal/rank"
	"go.uber.org/zap"
)

const defaultFetchLimit = 512

// Postgres wraps a pgx connection pool and implements memory.Backend.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (p *Postgres) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := p.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		p.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Store upserts one memory item row.
func (p *Postgres) Store(ctx context.Context, item *model.MemoryItem) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO memory_items
		   (id, memory_type, content, context, tags, importance, ts, evidence, agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		item.ID, string(item.Type), item.Content, item.Context, item.Tags,
		item.Importance, item.Timestamp, item.Evidence, item.Agent)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", item.ID, err)
	}
	return nil
}

// Fetch returns candidates for the filter: time and tag bounds are applied
// in SQL, token-matching rows are ordered ahead of merely-recent ones, and
// the result is capped.
func (p *Postgres) Fetch(ctx context.Context, filter memory.Filter) ([]*model.MemoryItem, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.Since.IsZero() {
		where = append(where, "ts >= "+arg(filter.Since))
	}
	if !filter.Before.IsZero() {
		where = append(where, "ts < "+arg(filter.Before))
	}
	if len(filter.Tags) > 0 {
		where = append(where, "tags && "+arg(filter.Tags))
	}

	order := "ts DESC, id ASC"
	if tokens := rank.Tokens(filter.Query); len(tokens) > 0 {
		patterns := make([]string, len(tokens))
		for i, t := range tokens {
			patterns[i] = "%" + t + "%"
		}
		order = "(content ILIKE ANY(" + arg(patterns) + ")) DESC, " + order
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	sql := fmt.Sprintf(
		`SELECT id, memory_type, content, context, tags, importance, ts, evidence, agent
		 FROM memory_items
		 WHERE %s
		 ORDER BY %s
		 LIMIT %s`,
		strings.Join(where, " AND "), order, arg(limit))

	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch items: %w", err)
	}
	defer rows.Close()

	var items []*model.MemoryItem
	for rows.Next() {
		var (
			item     model.MemoryItem
			itemType string
		)
		if err := rows.Scan(&item.ID, &itemType, &item.Content, &item.Context,
			&item.Tags, &item.Importance, &item.Timestamp, &item.Evidence, &item.Agent); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		item.Type = model.MemoryType(itemType)
		items = append(items, &item)
	}
	return items, rows.Err()
}

// Delete removes one item row. Unknown ids are not an error.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM memory_items WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return nil
}

// Ping reports backend reachability.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *Postgres) Close() {
	p.db.Close()
}
