package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/retry"
	"github.com/codai-ecosystem/memorai-go/types"
)

// LocalConfig configures the local semantic provider. The model runs in an
// adjacent sidecar process exposing a minimal HTTP surface; the provider
// never manages the process itself.
type LocalConfig struct {
	BaseURL      string        `yaml:"base_url" json:"base_url"` // default http://127.0.0.1:8901
	Model        string        `yaml:"model" json:"model"`
	Dimensions   int           `yaml:"dimensions" json:"dimensions"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"` // capped at 5s
}

// LocalProvider runs semantic embeddings against an in-process-adjacent
// model sidecar. Unavailability is reported to the tier controller through
// Probe and is never fatal.
type LocalProvider struct {
	*BaseClient
	cfg LocalConfig
}

// NewLocalProvider creates the local semantic provider.
func NewLocalProvider(cfg LocalConfig, policy *retry.Policy, logger *zap.Logger) *LocalProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8901"
	}
	if cfg.Model == "" {
		cfg.Model = "all-MiniLM-L6-v2"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.ProbeTimeout <= 0 || cfg.ProbeTimeout > 5*time.Second {
		cfg.ProbeTimeout = 5 * time.Second
	}

	return &LocalProvider{
		BaseClient: NewBaseClient(BaseConfig{
			Name:       "local-embedding",
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			MaxBatch:   64,
			Timeout:    cfg.Timeout,
			Retry:      policy,
		}, logger),
		cfg: cfg,
	}
}

type localEmbedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
}

type localEmbedResponse struct {
	Vectors [][]float64 `json:"vectors"`
	Model   string      `json:"model"`
}

// Embed generates an embedding for a single text.
func (p *LocalProvider) Embed(ctx context.Context, text string) (*Result, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates embeddings preserving input order.
func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([]*Result, error) {
	for _, t := range texts {
		if err := checkInput(t); err != nil {
			return nil, err
		}
	}

	results := make([]*Result, 0, len(texts))
	for _, batch := range chunk(texts, p.MaxBatch()) {
		respBody, err := p.DoRequest(ctx, "POST", "/embed", localEmbedRequest{
			Texts: batch,
			Model: p.cfg.Model,
		}, nil)
		if err != nil {
			return nil, err
		}

		var resp localEmbedResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("decode local embed response: %w", err)
		}
		if len(resp.Vectors) != len(batch) {
			return nil, fmt.Errorf("local embed response size mismatch: got=%d want=%d", len(resp.Vectors), len(batch))
		}

		model := resp.Model
		if model == "" {
			model = p.cfg.Model
		}
		for i, v := range resp.Vectors {
			results = append(results, &Result{
				Vector: normalize(toFloat32(v)),
				Tokens: approxTokens(batch[i]),
				Model:  model,
			})
		}
	}
	return results, nil
}

// Probe runs a short timed handshake against the sidecar's health endpoint.
// The timeout is strict; a slow sidecar counts as unavailable.
func (p *LocalProvider) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: p.cfg.ProbeTimeout}).Do(req)
	if err != nil {
		return types.NewError(types.ErrUnavailable, "local embedding sidecar not reachable").WithCause(err).WithProvider(p.Name())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.NewError(types.ErrUnavailable, "local embedding sidecar unhealthy").
			WithHTTPStatus(resp.StatusCode).WithProvider(p.Name())
	}
	return nil
}
