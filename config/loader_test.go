package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codai-ecosystem/memorai-go/types"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8484", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Index.Backend)
	assert.Equal(t, 1536, cfg.Index.Dimensions)
	assert.Equal(t, types.TierAdvanced, cfg.Tier.Preferred)
}

func TestLoad_YamlOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memorai.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
index:
  backend: sqlite
  dimensions: 384
  sqlite:
    path: /tmp/mem.db
cache:
  backend: none
tier:
  preferred: basic
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Index.Backend)
	assert.Equal(t, 384, cfg.Index.Dimensions)
	assert.Equal(t, "/tmp/mem.db", cfg.Index.Sqlite.Path)
	assert.Equal(t, "none", cfg.Cache.Backend)
	assert.Equal(t, types.TierBasic, cfg.Tier.Preferred)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad index backend", func(c *Config) { c.Index.Backend = "etcd" }},
		{"zero dimensions", func(c *Config) { c.Index.Dimensions = 0 }},
		{"bad cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"bad dialect", func(c *Config) { c.Embedding.Dialect = "soap" }},
		{"bad tier", func(c *Config) { c.Tier.Preferred = "quantum" }},
		{"short encryption key", func(c *Config) { c.Security.EncryptionKey = "too-short" }},
		{"jwt without secret", func(c *Config) { c.Server.JWT.Enabled = true }},
		{"dimension disagreement", func(c *Config) { c.Embedding.OpenAI.Dimensions = 768 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_EncryptionKeyLongEnough(t *testing.T) {
	cfg := Default()
	cfg.Security.EncryptionKey = "0123456789abcdef0123456789abcdef"
	assert.NoError(t, cfg.Validate())
}

func TestBridgeEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		EnvIndexURL:          "http://qdrant:6333",
		EnvIndexAPIKey:       "idx-key",
		EnvEmbeddingEndpoint: "https://api.example.com",
		EnvEmbeddingAPIKey:   "emb-key",
		EnvPreferredTier:     "Basic",
		EnvEncryptionKey:     "0123456789abcdef0123456789abcdef",
	}
	BridgeEnv(cfg, func(k string) string { return env[k] })

	assert.Equal(t, "qdrant", cfg.Index.Backend)
	assert.Equal(t, "http://qdrant:6333", cfg.Index.Qdrant.BaseURL)
	assert.Equal(t, "idx-key", cfg.Index.Qdrant.APIKey)
	assert.Equal(t, "https://api.example.com", cfg.Embedding.OpenAI.BaseURL)
	assert.Equal(t, "emb-key", cfg.Embedding.Azure.APIKey)
	assert.Equal(t, types.TierBasic, cfg.Tier.Preferred)
	require.NoError(t, cfg.Validate())
}

func TestBridgeEnv_EmptyEnvIsNoop(t *testing.T) {
	cfg := Default()
	BridgeEnv(cfg, func(string) string { return "" })
	assert.Equal(t, "memory", cfg.Index.Backend)
}
