package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/types"
)

func payload(tenant, agent, kind string, tags []string, created time.Time) map[string]any {
	return map[string]any{
		KeyTenantID:  tenant,
		KeyAgentID:   agent,
		KeyKind:      kind,
		KeyTags:      tags,
		KeyCreatedAt: float64(created.Unix()),
	}
}

func unitVec(dim, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}

func TestMemoryIndex_UpsertAndQuery(t *testing.T) {
	idx := NewMemoryIndex(4, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "a", Vector: unitVec(4, 0), Payload: payload("t1", "a1", "fact", nil, now)},
		{ID: "b", Vector: unitVec(4, 1), Payload: payload("t1", "a1", "fact", nil, now)},
	}))

	res, err := idx.Query(ctx, unitVec(4, 0), 2, Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a", res[0].ID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-9)  // identical vector
	assert.InDelta(t, 0.5, res[1].Score, 1e-9)  // orthogonal, renormalized
}

func TestMemoryIndex_TenantIsolation(t *testing.T) {
	idx := NewMemoryIndex(4, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "secret", Vector: unitVec(4, 0), Payload: payload("t1", "a1", "fact", nil, now)},
	}))

	res, err := idx.Query(ctx, unitVec(4, 0), 10, Filter{TenantID: "t2"})
	require.NoError(t, err)
	assert.Empty(t, res, "tenant t2 must not see t1 records")
}

func TestMemoryIndex_RejectsVectorInPayload(t *testing.T) {
	idx := NewMemoryIndex(4, zap.NewNop())
	p := Point{ID: "x", Vector: unitVec(4, 0), Payload: map[string]any{
		KeyTenantID: "t1",
		"embedding": []float32{1, 0, 0, 0},
	}}
	err := idx.Upsert(context.Background(), []Point{p})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidInput, types.GetErrorCode(err))
}

func TestMemoryIndex_DimensionMismatchIsFatal(t *testing.T) {
	idx := NewMemoryIndex(4, zap.NewNop())
	err := idx.Upsert(context.Background(), []Point{
		{ID: "x", Vector: make([]float32, 8), Payload: payload("t1", "a1", "fact", nil, time.Now())},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrSchemaMismatch, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))

	_, err = idx.Query(context.Background(), make([]float32, 8), 1, Filter{TenantID: "t1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrSchemaMismatch, types.GetErrorCode(err))
}

func TestMemoryIndex_FilterClauses(t *testing.T) {
	idx := NewMemoryIndex(4, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "p1", Vector: unitVec(4, 0), Payload: payload("t1", "a1", "preference", []string{"ui", "theme"}, now.Add(-time.Hour))},
		{ID: "p2", Vector: unitVec(4, 0), Payload: payload("t1", "a2", "fact", []string{"ui"}, now)},
		{ID: "p3", Vector: unitVec(4, 0), Payload: payload("t1", "a1", "task", nil, now)},
	}))

	res, err := idx.Query(ctx, unitVec(4, 0), 10, Filter{TenantID: "t1", AgentID: "a1"})
	require.NoError(t, err)
	assert.Len(t, res, 2)

	res, err = idx.Query(ctx, unitVec(4, 0), 10, Filter{TenantID: "t1", Kinds: []string{"preference"}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "p1", res[0].ID)

	res, err = idx.Query(ctx, unitVec(4, 0), 10, Filter{TenantID: "t1", TagsAll: []string{"ui", "theme"}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "p1", res[0].ID)

	res, err = idx.Query(ctx, unitVec(4, 0), 10, Filter{TenantID: "t1", CreatedAfter: now.Add(-time.Minute)})
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestMemoryIndex_TTLVisibility(t *testing.T) {
	idx := NewMemoryIndex(4, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	expired := payload("t1", "a1", "fact", nil, now.Add(-2*time.Hour))
	expired[KeyExpiresAt] = float64(now.Add(-time.Hour).Unix())
	live := payload("t1", "a1", "fact", nil, now)
	live[KeyExpiresAt] = float64(now.Add(time.Hour).Unix())
	forever := payload("t1", "a1", "fact", nil, now)

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "expired", Vector: unitVec(4, 0), Payload: expired},
		{ID: "live", Vector: unitVec(4, 1), Payload: live},
		{ID: "forever", Vector: unitVec(4, 2), Payload: forever},
	}))

	res, err := idx.Query(ctx, unitVec(4, 0), 10, Filter{TenantID: "t1", VisibleAt: now})
	require.NoError(t, err)
	ids := make([]string, 0, len(res))
	for _, r := range res {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"live", "forever"}, ids)
}

func TestMemoryIndex_DeleteByIDAndFilter(t *testing.T) {
	idx := NewMemoryIndex(4, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "a", Vector: unitVec(4, 0), Payload: payload("t1", "a1", "fact", nil, now)},
		{ID: "b", Vector: unitVec(4, 1), Payload: payload("t1", "a2", "fact", nil, now)},
		{ID: "c", Vector: unitVec(4, 2), Payload: payload("t2", "a1", "fact", nil, now)},
	}))

	require.NoError(t, idx.DeleteByID(ctx, "a"))
	n, err := idx.Count(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	deleted, err := idx.DeleteByFilter(ctx, Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	n, _ = idx.Count(ctx, Filter{})
	assert.Equal(t, int64(1), n)
}

func TestMemoryIndex_ListPagination(t *testing.T) {
	idx := NewMemoryIndex(4, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, idx.Upsert(ctx, []Point{
			{ID: id, Vector: unitVec(4, 0), Payload: payload("t1", "a1", "fact", nil, now)},
		}))
	}

	page, cursor, err := idx.List(ctx, Filter{TenantID: "t1"}, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].ID)
	assert.NotEmpty(t, cursor)

	page2, cursor2, err := idx.List(ctx, Filter{TenantID: "t1"}, cursor, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "c", page2[0].ID)
	assert.NotEmpty(t, cursor2)

	page3, cursor3, err := idx.List(ctx, Filter{TenantID: "t1"}, cursor2, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, cursor3)
}

func TestMemoryIndex_SetPayload(t *testing.T) {
	idx := NewMemoryIndex(4, zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, idx.Upsert(ctx, []Point{
		{ID: "a", Vector: unitVec(4, 0), Payload: payload("t1", "a1", "fact", nil, now)},
	}))

	require.NoError(t, idx.SetPayload(ctx, "a", map[string]any{
		KeyAccessCount: float64(7),
	}))
	require.NoError(t, idx.SetPayload(ctx, "missing", map[string]any{"x": 1}), "missing id is a no-op")

	res, err := idx.Query(ctx, unitVec(4, 0), 1, Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.EqualValues(t, 7, res[0].Payload[KeyAccessCount])
	assert.Equal(t, "fact", res[0].Payload[KeyKind], "untouched attributes survive the merge")
}

func TestMemoryIndex_QueryZeroK(t *testing.T) {
	idx := NewMemoryIndex(4, zap.NewNop())
	res, err := idx.Query(context.Background(), unitVec(4, 0), 0, Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, res)
}
