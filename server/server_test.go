package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/cache"
	"github.com/codai-ecosystem/memorai-go/config"
	"github.com/codai-ecosystem/memorai-go/embedding"
	"github.com/codai-ecosystem/memorai-go/engine"
	"github.com/codai-ecosystem/memorai-go/index"
	"github.com/codai-ecosystem/memorai-go/tier"
	"github.com/codai-ecosystem/memorai-go/types"
)

func newTestServer(t *testing.T, cfg config.ServerConfig) *Server {
	t.Helper()

	tiers := tier.New(tier.Config{Preferred: types.TierBasic}, map[types.TierLevel]embedding.Provider{
		types.TierBasic: embedding.NewLexicalProvider(128),
	}, zap.NewNop())
	_, err := tiers.Start(context.Background())
	require.NoError(t, err)

	idx := index.NewMemoryIndex(128, zap.NewNop())
	hot := cache.NewLocal(cache.LocalConfig{MaxEntries: 100}, zap.NewNop())
	t.Cleanup(hot.Close)

	eng := engine.New(engine.DefaultConfig(), idx, hot, nil, tiers, nil, zap.NewNop())
	t.Cleanup(eng.Close)

	return New(cfg, eng, nil, zap.NewNop())
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_RememberRecallForgetFlow(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{})
	h := s.Handler()

	rec := doJSON(t, h, "POST", "/api/v1/memory/remember", map[string]any{
		"content": "User prefers dark mode", "tenant_id": "t1", "agent_id": "a1", "kind": "preference",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var remembered map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &remembered))
	id := remembered["id"]
	require.NotEmpty(t, id)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = doJSON(t, h, "POST", "/api/v1/memory/recall", map[string]any{
		"text": "dark mode", "tenant_id": "t1", "agent_id": "a1", "top_k": 5,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recall struct {
		Memories []types.ScoredMemory `json:"memories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recall))
	require.NotEmpty(t, recall.Memories)
	assert.Equal(t, id, recall.Memories[0].Record.ID)

	rec = doJSON(t, h, "POST", "/api/v1/memory/forget", map[string]any{
		"tenant_id": "t1", "agent_id": "a1", "id": id,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var forgotten types.ForgetResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &forgotten))
	assert.Equal(t, 1, forgotten.DeletedCount)
}

func TestServer_ValidationErrorEnvelope(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{})

	rec := doJSON(t, s.Handler(), "POST", "/api/v1/memory/remember", map[string]any{
		"content": "   ", "tenant_id": "t1", "agent_id": "a1",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)
	assert.False(t, env.Error.At.IsZero())
}

func TestServer_APIKeyAuth(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{APIKeys: []string{"sekret"}})
	h := s.Handler()

	rec := doJSON(t, h, "GET", "/api/v1/tier", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, "GET", "/api/v1/tier", nil, map[string]string{"X-API-Key": "sekret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health endpoints stay open.
	rec = doJSON(t, h, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_JWTBindsTenant(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{
		JWT: config.JWTConfig{Enabled: true, Secret: "unit-test-secret"},
	})
	h := s.Handler()

	// Unauthenticated requests are rejected.
	rec := doJSON(t, h, "POST", "/api/v1/memory/remember", map[string]any{
		"content": "x", "tenant_id": "t1", "agent_id": "a1",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": "tenant-from-jwt",
		"exp":       time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("unit-test-secret"))
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}

	rec = doJSON(t, h, "POST", "/api/v1/memory/remember", map[string]any{
		"content": "jwt scoped memory", "tenant_id": "spoofed-tenant", "agent_id": "a1",
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The record landed under the JWT tenant, not the spoofed one.
	rec = doJSON(t, h, "POST", "/api/v1/memory/recall", map[string]any{
		"text": "jwt scoped memory", "tenant_id": "ignored", "top_k": 5,
	}, auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var recall struct {
		Memories []types.ScoredMemory `json:"memories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recall))
	require.NotEmpty(t, recall.Memories)
	assert.Equal(t, "tenant-from-jwt", recall.Memories[0].Record.TenantID)
}

func TestServer_HealthAndTier(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{})
	h := s.Handler()

	rec := doJSON(t, h, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health types.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "basic", health.ActiveTier)

	rec = doJSON(t, h, "GET", "/api/v1/tier", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d types.TierDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, types.TierBasic, d.Level)
	assert.True(t, d.Capabilities.VectorSimilarity)
}

func TestServer_MalformedBody(t *testing.T) {
	s := newTestServer(t, config.ServerConfig{})
	req := httptest.NewRequest("POST", "/api/v1/memory/recall", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
