package index

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MemoryIndex 内存向量索引（参考实现，用于测试与小规模部署）
//
// A successful Upsert is visible to subsequent queries in the same process;
// all operations honor context cancellation before touching state.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]Point
	dim    int
	logger *zap.Logger
}

// NewMemoryIndex creates an in-memory index of fixed dimension.
func NewMemoryIndex(dim int, logger *zap.Logger) *MemoryIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryIndex{
		points: make(map[string]Point),
		dim:    dim,
		logger: logger.With(zap.String("component", "memory_index")),
	}
}

// Dimensions returns the fixed collection dimension.
func (m *MemoryIndex) Dimensions() int { return m.dim }

// Upsert stores points, atomic per point.
func (m *MemoryIndex) Upsert(ctx context.Context, points []Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range points {
		if err := ValidatePoint(p, m.dim); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.ID] = p
	}
	m.logger.Debug("points upserted", zap.Int("count", len(points)), zap.Int("total", len(m.points)))
	return nil
}

// DeleteByID removes a single point. Deleting a missing id is a no-op.
func (m *MemoryIndex) DeleteByID(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, id)
	return nil
}

// SetPayload merges patch into an existing point's payload.
func (m *MemoryIndex) SetPayload(ctx context.Context, id string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.points[id]
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
	p.Payload = merged
	m.points[id] = p
	return nil
}

// DeleteByFilter removes all points matching the filter.
func (m *MemoryIndex) DeleteByFilter(ctx context.Context, f Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, p := range m.points {
		if f.MatchID(id) && MatchPayload(p.Payload, f) {
			delete(m.points, id)
			deleted++
		}
	}
	m.logger.Debug("points deleted by filter", zap.Int("deleted", deleted))
	return deleted, nil
}

// Query returns the k nearest points under the filter.
func (m *MemoryIndex) Query(ctx context.Context, vector []float32, k int, f Filter) ([]QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []QueryResult{}, nil
	}
	if len(vector) != m.dim {
		return nil, ValidatePoint(Point{ID: "query", Vector: vector}, m.dim)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]QueryResult, 0, len(m.points))
	for _, p := range m.points {
		if !f.MatchID(p.ID) || !MatchPayload(p.Payload, f) {
			continue
		}
		results = append(results, QueryResult{
			ID:      p.ID,
			Score:   CosineScore(vector, p.Vector),
			Payload: p.Payload,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// List pages through matching points in id order.
func (m *MemoryIndex) List(ctx context.Context, f Filter, cursor string, limit int) ([]Point, string, error) {
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

	m.mu.RLock()
	ids := make([]string, 0, len(m.points))
	for id, p := range m.points {
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
		page = append(page, m.points[id])
	}
	m.mu.RUnlock()

	next := ""
	if len(page) == limit && len(ids) > limit {
		next = encodeCursor(page[len(page)-1].ID)
	}
	return page, next, nil
}

// Count returns the number of matching points.
func (m *MemoryIndex) Count(ctx context.Context, f Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for id, p := range m.points {
		if f.MatchID(id) && MatchPayload(p.Payload, f) {
			n++
		}
	}
	return n, nil
}
