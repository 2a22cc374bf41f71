package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/retry"
	"github.com/codai-ecosystem/memorai-go/types"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		wantCode  types.ErrorCode
		retryable bool
	}{
		{http.StatusUnauthorized, types.ErrAuthFailed, false},
		{http.StatusForbidden, types.ErrAuthFailed, false},
		{http.StatusTooManyRequests, types.ErrUnavailable, true},
		{http.StatusBadRequest, types.ErrInvalidInput, false},
		{http.StatusGatewayTimeout, types.ErrTimeout, true},
		{http.StatusInternalServerError, types.ErrUnavailable, true},
		{http.StatusBadGateway, types.ErrUnavailable, true},
	}
	for _, tt := range tests {
		err := mapHTTPError(tt.status, "body", "test-provider")
		assert.Equal(t, tt.wantCode, err.Code, "status %d", tt.status)
		assert.Equal(t, tt.retryable, err.Retryable, "status %d", tt.status)
		assert.Equal(t, "test-provider", err.Provider)
	}
}

func fastRetry() *retry.Policy {
	return &retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func embedServer(t *testing.T, dim int, fail *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Load() > 0 {
			fail.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var resp openAIEmbedResponse
		resp.Model = "test-model"
		for i := range req.Input {
			vec := make([]float64, dim)
			vec[i%dim] = 1
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float64 `json:"embedding"`
			}{Index: i, Embedding: vec})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAI_EmbedBatch(t *testing.T) {
	srv := embedServer(t, 8, nil)
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Dimensions: 8}, fastRetry(), zap.NewNop())

	out, err := p.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "test-model", out[0].Model)
	assert.Len(t, out[0].Vector, 8)
	assert.Greater(t, out[0].Tokens, 0)
}

func TestOpenAI_RetriesTransientThenSucceeds(t *testing.T) {
	var fail atomic.Int32
	fail.Store(2)
	srv := embedServer(t, 4, &fail)
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Dimensions: 4}, fastRetry(), zap.NewNop())

	out, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, out.Vector, 4)
	assert.Equal(t, int32(0), fail.Load())
}

func TestOpenAI_AuthFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "bad"}, fastRetry(), zap.NewNop())

	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthFailed, types.GetErrorCode(err))
	assert.Equal(t, int32(1), calls.Load(), "auth failures must not be retried")
}

func TestOpenAI_EmptyInputRejectedWithoutCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "k"}, fastRetry(), zap.NewNop())
	_, err := p.Embed(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidInput, types.GetErrorCode(err))
	assert.Equal(t, int32(0), calls.Load())
}

func TestAzure_DeploymentPathAndHeader(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("api-key")
		var req azureEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		var resp openAIEmbedResponse
		for range req.Input {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float64 `json:"embedding"`
			}{Embedding: []float64{1, 0, 0, 0}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewAzureProvider(AzureConfig{
		Endpoint: srv.URL, APIKey: "secret", Deployment: "embed-prod", Dimensions: 4,
	}, fastRetry(), zap.NewNop())

	out, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "/openai/deployments/embed-prod/embeddings", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "embed-prod", out.Model)
}

func TestLocal_ProbeAgainstHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewLocalProvider(LocalConfig{BaseURL: srv.URL}, fastRetry(), zap.NewNop())
	require.NoError(t, p.Probe(context.Background()))

	srv.Close()
	err := p.Probe(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrUnavailable, types.GetErrorCode(err))
}

func TestLocal_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req localEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := localEmbedResponse{Model: "mini"}
		for range req.Texts {
			resp.Vectors = append(resp.Vectors, []float64{0.5, 0.5, 0.5, 0.5})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewLocalProvider(LocalConfig{BaseURL: srv.URL, Dimensions: 4}, fastRetry(), zap.NewNop())
	out, err := p.Embed(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "mini", out.Model)
	assert.InDelta(t, 0.5, out.Vector[0], 1e-6) // normalized
}
