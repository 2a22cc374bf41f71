package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/types"
)

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	// Path enables single-directory persistence; empty keeps everything in
	// memory.
	Path       string `yaml:"path" json:"path"`
	Collection string `yaml:"collection" json:"collection"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
}

// ChromemIndex implements Index over the embedded chromem-go vector store.
//
// chromem cannot enumerate documents, so the backend keeps a shadow registry
// of payloads written by this process. Query runs against chromem itself;
// List/Count/DeleteByFilter consult the registry and therefore see only
// points written through this instance.
type ChromemIndex struct {
	col    *chromem.Collection
	dim    int
	logger *zap.Logger

	mu       sync.RWMutex
	registry map[string]Point
}

// NewChromemIndex creates the embedded backend.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Collection == "" {
		cfg.Collection = "memorai"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}

	var db *chromem.DB
	var err error
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Embeddings are always precomputed by the tier controller; the
	// embedding func only fires on misuse.
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("chromem index requires precomputed embeddings")
	})
	if err != nil {
		return nil, fmt.Errorf("open chromem collection: %w", err)
	}

	return &ChromemIndex{
		col:      col,
		dim:      cfg.Dimensions,
		logger:   logger.With(zap.String("component", "chromem_index")),
		registry: make(map[string]Point),
	}, nil
}

// Dimensions returns the fixed collection dimension.
func (c *ChromemIndex) Dimensions() int { return c.dim }

// Upsert stores points, atomic per point.
func (c *ChromemIndex) Upsert(ctx context.Context, points []Point) error {
	for _, p := range points {
		if err := ValidatePoint(p, c.dim); err != nil {
			return err
		}
	}

	for _, p := range points {
		payloadJSON, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		doc := chromem.Document{
			ID:        p.ID,
			Content:   stringAttr(p.Payload, KeyContent),
			Embedding: p.Vector,
			Metadata: map[string]string{
				KeyTenantID: stringAttr(p.Payload, KeyTenantID),
				KeyAgentID:  stringAttr(p.Payload, KeyAgentID),
				KeyKind:     stringAttr(p.Payload, KeyKind),
				"payload":   string(payloadJSON),
			},
		}
		// Re-adding an existing id replaces the document.
		_ = c.col.Delete(ctx, nil, nil, p.ID)
		if err := c.col.AddDocument(ctx, doc); err != nil {
			return types.NewError(types.ErrUnavailable, "chromem add failed").WithCause(err)
		}

		c.mu.Lock()
		c.registry[p.ID] = p
		c.mu.Unlock()
	}
	c.logger.Debug("points upserted", zap.Int("count", len(points)))
	return nil
}

// DeleteByID removes a single point.
func (c *ChromemIndex) DeleteByID(ctx context.Context, id string) error {
	if err := c.col.Delete(ctx, nil, nil, id); err != nil {
		// chromem errors on unknown ids; a delete of a missing point is a no-op.
		if !strings.Contains(err.Error(), "not found") {
			return types.NewError(types.ErrUnavailable, "chromem delete failed").WithCause(err)
		}
	}
	c.mu.Lock()
	delete(c.registry, id)
	c.mu.Unlock()
	return nil
}

// SetPayload merges patch into an existing point's payload by re-adding the
// document (chromem has no partial update).
func (c *ChromemIndex) SetPayload(ctx context.Context, id string, patch map[string]any) error {
	c.mu.RLock()
	p, ok := c.registry[id]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	merged := make(map[string]any, len(p.Payload)+len(patch))
	for k, v := range p.Payload {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return c.Upsert(ctx, []Point{{ID: id, Vector: p.Vector, Payload: merged}})
}

// DeleteByFilter removes all points matching the filter.
func (c *ChromemIndex) DeleteByFilter(ctx context.Context, f Filter) (int, error) {
	c.mu.RLock()
	var ids []string
	for id, p := range c.registry {
		if f.MatchID(id) && MatchPayload(p.Payload, f) {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()

	deleted := 0
	for _, id := range ids {
		if err := c.DeleteByID(ctx, id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Query returns the k nearest points under the filter. chromem only matches
// metadata equality natively, so the query overfetches and post-filters via
// the shared payload matcher.
func (c *ChromemIndex) Query(ctx context.Context, vector []float32, k int, f Filter) ([]QueryResult, error) {
	if k <= 0 {
		return []QueryResult{}, nil
	}
	if len(vector) != c.dim {
		return nil, types.NewError(types.ErrSchemaMismatch, "vector dimension mismatch").
			WithCause(dimError(len(vector), c.dim))
	}

	where := map[string]string{}
	if f.TenantID != "" {
		where[KeyTenantID] = f.TenantID
	}
	if f.AgentID != "" {
		where[KeyAgentID] = f.AgentID
	}
	if len(where) == 0 {
		where = nil
	}

	// chromem requires nResults ≤ collection size.
	n := k * 4
	if total := c.col.Count(); n > total {
		n = total
	}
	if n == 0 {
		return []QueryResult{}, nil
	}

	raw, err := c.col.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "chromem query failed").WithCause(err)
	}

	out := make([]QueryResult, 0, k)
	for _, r := range raw {
		var payload map[string]any
		if err := json.Unmarshal([]byte(r.Metadata["payload"]), &payload); err != nil {
			c.logger.Warn("skipping point with unreadable payload", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		if !f.MatchID(r.ID) || !MatchPayload(payload, f) {
			continue
		}
		out = append(out, QueryResult{
			ID:      r.ID,
			Score:   RenormalizeCosine(float64(r.Similarity)),
			Payload: payload,
		})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// List pages through matching points in id order (process-local registry).
func (c *ChromemIndex) List(ctx context.Context, f Filter, cursor string, limit int) ([]Point, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	c.mu.RLock()
	ids := make([]string, 0, len(c.registry))
	for id, p := range c.registry {
		if id > after && f.MatchID(id) && MatchPayload(p.Payload, f) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	page := make([]Point, 0, limit)
	for _, id := range ids {
		if len(page) == limit {
			break
		}
		page = append(page, c.registry[id])
	}
	c.mu.RUnlock()

	next := ""
	if len(page) == limit && len(ids) > limit {
		next = encodeCursor(page[len(page)-1].ID)
	}
	return page, next, nil
}

// Count returns the number of matching points (process-local registry).
func (c *ChromemIndex) Count(ctx context.Context, f Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int64
	for id, p := range c.registry {
		if f.MatchID(id) && MatchPayload(p.Payload, f) {
			n++
		}
	}
	return n, nil
}
