package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/engram/internal/embedding"
	"github.com/nidhogg/engram/internal/memory"
	"github.com/nidhogg/engram/internal/model"
	"go.uber.org/zap"
)

const (
	defaultCollection = "memory_items"
	scrollPageSize    = 256
)

// Adapter implements memory.Backend on top of a qdrant collection. Items
// are embedded for vector recall and the full record travels in the point
// payload, so retrieval round-trips losslessly.
type Adapter struct {
	client     *Client
	embedder   embedding.Provider
	collection string
	logger     *zap.Logger
}

// NewAdapter ensures the collection exists and returns a ready Adapter.
func NewAdapter(ctx context.Context, client *Client, embedder embedding.Provider, collection string, logger *zap.Logger) (*Adapter, error) {
	if collection == "" {
		collection = defaultCollection
	}
	dim := uint64(embedder.Dimension())
	if dim == 0 {
		return nil, fmt.Errorf("embedder reports zero dimension")
	}
	if err := client.EnsureCollection(ctx, collection, dim); err != nil {
		return nil, err
	}
	return &Adapter{
		client:     client,
		embedder:   embedder,
		collection: collection,
		logger:     logger,
	}, nil
}

// Store embeds the item's content and upserts it as one point.
func (a *Adapter) Store(ctx context.Context, item *model.MemoryItem) error {
	vectors, err := a.embedder.Embed(ctx, []string{item.Content})
	if err != nil {
		return fmt.Errorf("embed item %s: %w", item.ID, err)
	}
	if len(vectors) == 0 {
		return fmt.Errorf("embed item %s: empty result", item.ID)
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item %s: %w", item.ID, err)
	}
	payload := map[string]string{
		"data":       string(data),
		"content":    item.Content,
		"indexed_at": time.Now().UTC().Format(time.RFC3339),
	}
	return a.client.Upsert(ctx, a.collection, item.ID, vectors[0], payload)
}

// Fetch returns candidates for the filter. A text query goes through vector
// search for recall; everything else scrolls the collection. The memory
// store re-applies the filter locally, so over-fetching here is fine.
func (a *Adapter) Fetch(ctx context.Context, filter memory.Filter) ([]*model.MemoryItem, error) {
	var (
		hits []*Hit
		err  error
	)
	if filter.Query != "" {
		var vectors [][]float32
		vectors, err = a.embedder.Embed(ctx, []string{filter.Query})
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		topK := uint64(filter.Limit)
		if topK == 0 {
			topK = 64
		}
		hits, err = a.client.Search(ctx, a.collection, vectors[0], topK)
	} else {
		hits, err = a.client.Scroll(ctx, a.collection, scrollPageSize)
	}
	if err != nil {
		return nil, err
	}

	items := make([]*model.MemoryItem, 0, len(hits))
	for _, h := range hits {
		data, ok := h.Payload["data"]
		if !ok {
			continue
		}
		var item model.MemoryItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			a.logger.Warn("skipping undecodable point",
				zap.String("id", h.ID),
				zap.Error(err))
			continue
		}
		items = append(items, &item)
	}
	return items, nil
}

// Delete removes the item's point.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	return a.client.Delete(ctx, a.collection, id)
}

// Ping reports backend reachability.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Healthy(ctx)
}
