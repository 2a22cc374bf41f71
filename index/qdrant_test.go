package index

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/types"
)

func TestQdrantFilter_Translation(t *testing.T) {
	now := time.Unix(1700000000, 0)
	f := Filter{
		TenantID:  "t1",
		AgentID:   "a1",
		Kinds:     []string{"fact", "task"},
		TagsAll:   []string{"ui"},
		VisibleAt: now,
	}
	got := qdrantFilter(f)
	require.NotNil(t, got)
	must := got["must"].([]any)
	assert.Len(t, must, 5) // tenant, agent, kinds, tag, ttl-should

	assert.Nil(t, qdrantFilter(Filter{}), "empty filter stays nil")
}

func TestQdrantPointID_Stable(t *testing.T) {
	assert.Equal(t, qdrantPointID("m-1"), qdrantPointID("m-1"))
	assert.NotEqual(t, qdrantPointID("m-1"), qdrantPointID("m-2"))
}

func TestQdrantIndex_QueryMapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/mem/points/search", r.URL.Path)
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.NotNil(t, req["filter"], "tenant filter must reach the wire")

		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{
					"id":    "9f0",
					"score": 1.0,
					"payload": map[string]any{
						"point_id":  "m-1",
						KeyTenantID: "t1",
						KeyContent:  "dark mode",
					},
				},
			},
		})
	}))
	defer srv.Close()

	idx := NewQdrantIndex(QdrantConfig{BaseURL: srv.URL, Collection: "mem", Dimensions: 4}, zap.NewNop())
	res, err := idx.Query(context.Background(), unitVec(4, 0), 5, Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "m-1", res[0].ID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-9) // cosine 1 renormalized
	_, hasInternal := res[0].Payload["point_id"]
	assert.False(t, hasInternal)
}

func TestQdrantIndex_ConnectionLossIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately: connection refused

	idx := NewQdrantIndex(QdrantConfig{BaseURL: srv.URL, Collection: "mem", Dimensions: 4}, zap.NewNop())
	_, err := idx.Query(context.Background(), unitVec(4, 0), 5, Filter{TenantID: "t1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnavailable, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestQdrantIndex_UpsertCarriesPointID(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{}})
	}))
	defer srv.Close()

	idx := NewQdrantIndex(QdrantConfig{BaseURL: srv.URL, Collection: "mem", Dimensions: 4}, zap.NewNop())
	err := idx.Upsert(context.Background(), []Point{
		{ID: "m-1", Vector: unitVec(4, 0), Payload: payload("t1", "a1", "fact", nil, time.Now())},
	})
	require.NoError(t, err)

	points := captured["points"].([]any)
	require.Len(t, points, 1)
	p := points[0].(map[string]any)
	assert.Equal(t, qdrantPointID("m-1"), p["id"])
	assert.Equal(t, "m-1", p["payload"].(map[string]any)["point_id"])
}
