package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/retry"
)

// OpenAIConfig configures the direct-dialect remote semantic provider.
type OpenAIConfig struct {
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	APIKey     string        `yaml:"api_key" json:"api_key"`
	Model      string        `yaml:"model" json:"model"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	RPS        float64       `yaml:"rps" json:"rps"`
}

// OpenAIProvider implements the remote semantic provider using the direct
// embeddings dialect (POST {base}/v1/embeddings with a bearer key).
type OpenAIProvider struct {
	*BaseClient
	cfg OpenAIConfig
}

// NewOpenAIProvider creates a direct-dialect remote provider.
func NewOpenAIProvider(cfg OpenAIConfig, policy *retry.Policy, logger *zap.Logger) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}

	return &OpenAIProvider{
		BaseClient: NewBaseClient(BaseConfig{
			Name:       "openai-embedding",
			BaseURL:    cfg.BaseURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			MaxBatch:   2048,
			Timeout:    cfg.Timeout,
			RPS:        cfg.RPS,
			Retry:      policy,
		}, logger),
		cfg: cfg,
	}
}

type openAIEmbedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed generates an embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (*Result, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates embeddings preserving input order.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]*Result, error) {
	for _, t := range texts {
		if err := checkInput(t); err != nil {
			return nil, err
		}
	}

	results := make([]*Result, 0, len(texts))
	for _, batch := range chunk(texts, p.MaxBatch()) {
		body := openAIEmbedRequest{
			Input:      batch,
			Model:      p.cfg.Model,
			Dimensions: p.cfg.Dimensions,
		}
		respBody, err := p.DoRequest(ctx, "POST", "/v1/embeddings", body, map[string]string{
			"Authorization": "Bearer " + p.cfg.APIKey,
		})
		if err != nil {
			return nil, err
		}

		var resp openAIEmbedResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return nil, fmt.Errorf("decode embeddings response: %w", err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embeddings response size mismatch: got=%d want=%d", len(resp.Data), len(batch))
		}

		for i, d := range resp.Data {
			results = append(results, &Result{
				Vector: normalize(toFloat32(d.Embedding)),
				Tokens: approxTokens(batch[i]),
				Model:  resp.Model,
			})
		}
	}
	return results, nil
}

// Probe verifies the credential is present and the endpoint answers. A
// single one-token embed doubles as the credential check.
func (p *OpenAIProvider) Probe(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return fmt.Errorf("openai embedding api key is not configured")
	}
	_, err := p.Embed(ctx, "ping")
	return err
}
