package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/codai-ecosystem/memorai-go/types"
)

// Load reads the yaml file at path over the defaults and validates the
// result. An empty path returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Getenv abstracts the environment for BridgeEnv; pass os.Getenv from main.
type Getenv func(key string) string

// Known environment keys bridged by the adapter.
const (
	EnvIndexURL          = "MEMORAI_INDEX_URL"
	EnvIndexAPIKey       = "MEMORAI_INDEX_API_KEY"
	EnvEmbeddingEndpoint = "MEMORAI_EMBEDDING_ENDPOINT"
	EnvEmbeddingAPIKey   = "MEMORAI_EMBEDDING_API_KEY"
	EnvPreferredTier     = "MEMORAI_PREFERRED_TIER"
	EnvEncryptionKey     = "MEMORAI_ENCRYPTION_KEY"
)

// BridgeEnv overlays the known environment keys onto cfg. The core itself
// never reads the environment; this runs only in the adapter binary.
func BridgeEnv(cfg *Config, getenv Getenv) {
	if v := getenv(EnvIndexURL); v != "" {
		cfg.Index.Backend = "qdrant"
		cfg.Index.Qdrant.BaseURL = v
	}
	if v := getenv(EnvIndexAPIKey); v != "" {
		cfg.Index.Qdrant.APIKey = v
	}
	if v := getenv(EnvEmbeddingEndpoint); v != "" {
		cfg.Embedding.OpenAI.BaseURL = v
		cfg.Embedding.Azure.Endpoint = v
	}
	if v := getenv(EnvEmbeddingAPIKey); v != "" {
		cfg.Embedding.OpenAI.APIKey = v
		cfg.Embedding.Azure.APIKey = v
	}
	if v := getenv(EnvPreferredTier); v != "" {
		cfg.Tier.Preferred = types.TierLevel(strings.ToLower(v))
	}
	if v := getenv(EnvEncryptionKey); v != "" {
		cfg.Security.EncryptionKey = v
	}
}

// Validate enforces the cross-field invariants at init time.
func (c *Config) Validate() error {
	switch c.Index.Backend {
	case "memory", "qdrant", "chromem", "sqlite":
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}
	if c.Index.Dimensions <= 0 {
		return fmt.Errorf("index dimensions must be positive")
	}

	switch c.Cache.Backend {
	case "local", "redis", "none":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	switch c.Embedding.Dialect {
	case "direct", "deployment":
	default:
		return fmt.Errorf("unknown embedding dialect %q", c.Embedding.Dialect)
	}

	switch c.Tier.Preferred {
	case types.TierAdvanced, types.TierSmart, types.TierBasic, types.TierMock:
	default:
		return fmt.Errorf("unknown preferred tier %q", c.Tier.Preferred)
	}

	if key := c.Security.EncryptionKey; key != "" && len(key) < 32 {
		return fmt.Errorf("encryption key must be at least 32 characters")
	}

	if c.Server.JWT.Enabled && c.Server.JWT.Secret == "" {
		return fmt.Errorf("jwt auth enabled without a secret")
	}

	// 索引与各嵌入提供者的维度必须一致
	for name, dims := range map[string]int{
		"openai": c.Embedding.OpenAI.Dimensions,
		"azure":  c.Embedding.Azure.Dimensions,
		"local":  c.Embedding.Local.Dimensions,
	} {
		if dims != 0 && dims != c.Index.Dimensions {
			return fmt.Errorf("%s embedding dimensions (%d) disagree with index dimensions (%d)", name, dims, c.Index.Dimensions)
		}
	}
	return nil
}
