package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/retry"
)

// AzureConfig configures the deployment-keyed remote dialect: requests go to
// a named deployment rather than a model, and the key travels in an api-key
// header instead of a bearer token.
type AzureConfig struct {
	Endpoint   string        `yaml:"endpoint" json:"endpoint"` // https://<resource>.openai.azure.com
	APIKey     string        `yaml:"api_key" json:"api_key"`
	Deployment string        `yaml:"deployment" json:"deployment"`
	APIVersion string        `yaml:"api_version" json:"api_version"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	RPS        float64       `yaml:"rps" json:"rps"`
}

// AzureProvider implements the deployment-keyed remote semantic dialect.
type AzureProvider struct {
	*BaseClient
	cfg  AzureConfig
	path string
}

// NewAzureProvider creates a deployment-keyed remote provider.
func NewAzureProvider(cfg AzureConfig, policy *retry.Policy, logger *zap.Logger) *AzureProvider {
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-01"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}

	path := fmt.Sprintf("/openai/deployments/%s/embeddings?api-version=%s",
		url.PathEscape(cfg.Deployment), url.QueryEscape(cfg.APIVersion))

	return &AzureProvider{
		BaseClient: NewBaseClient(BaseConfig{
			Name:       "azure-embedding",
			BaseURL:    cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Dimensions: cfg.Dimensions,
			MaxBatch:   2048,
			Timeout:    cfg.Timeout,
			RPS:        cfg.RPS,
			Retry:      policy,
		}, logger),
		cfg:  cfg,
		path: path,
	}
}

type azureEmbedRequest struct {
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// Embed generates an embedding for a single text.
func (p *AzureProvider) Embed(ctx context.Context, text string) (*Result, error) {
	out, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates embeddings preserving input order.
func (p *AzureProvider) EmbedBatch(ctx context.Context, texts []string) ([]*Result, error) {
	for _, t := range texts {
		if err := checkInput(t); err != nil {
			return nil, err
		}
	}

	results := make([]*Result, 0, len(texts))
	for _, batch := range chunk(texts, p.MaxBatch()) {
		respBody, err := p.DoRequest(ctx, "POST", p.path, azureEmbedRequest{
			Input:      batch,
			Dimensions: p.cfg.Dimensions,
		}, map[string]string{
			"api-key": p.cfg.APIKey,
		})
		if err != nil {
			return nil, err
		}

		var resp openAIEmbedResponse // same wire shape as the direct dialect
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
				Model:  p.cfg.Deployment,
			})
		}
	}
	return results, nil
}

// Probe verifies the deployment answers with the configured key.
func (p *AzureProvider) Probe(ctx context.Context) error {
	if p.cfg.APIKey == "" || p.cfg.Deployment == "" {
		return fmt.Errorf("azure embedding api key or deployment is not configured")
	}
	_, err := p.Embed(ctx, "ping")
	return err
}
