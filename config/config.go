// Package config provides the Memorai configuration model: defaults first,
// yaml overlay second, validation last. The core never reads the process
// environment; cmd/memorai bridges known environment keys through BridgeEnv.
package config

import (
	"time"

	"github.com/codai-ecosystem/memorai-go/cache"
	"github.com/codai-ecosystem/memorai-go/embedding"
	"github.com/codai-ecosystem/memorai-go/engine"
	"github.com/codai-ecosystem/memorai-go/index"
	"github.com/codai-ecosystem/memorai-go/ratelimit"
	"github.com/codai-ecosystem/memorai-go/tier"
	"github.com/codai-ecosystem/memorai-go/types"
)

// Config 是 Memorai 的顶层配置
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Security  SecurityConfig   `yaml:"security"`
	Engine    engine.Config    `yaml:"engine"`
	Index     IndexConfig      `yaml:"index"`
	Cache     CacheConfig      `yaml:"cache"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Tier      tier.Config      `yaml:"tier"`
	Embedding EmbeddingConfig  `yaml:"embedding"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// APIKeys admit callers when non-empty.
	APIKeys []string `yaml:"api_keys"`

	// JWT enables bearer-token auth with tenant claim extraction.
	JWT JWTConfig `yaml:"jwt"`

	// Per-IP request smoothing at the transport edge.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// TelemetryConfig OTLP 追踪配置
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName string `yaml:"service_name"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	// EncryptionKey protects payloads at rest where the backend supports
	// it; when set it must be at least 32 characters.
	EncryptionKey string `yaml:"encryption_key"`
}

// IndexConfig selects and configures the vector index backend.
type IndexConfig struct {
	Backend    string `yaml:"backend"` // memory | qdrant | chromem | sqlite
	Collection string `yaml:"collection"`
	Dimensions int    `yaml:"dimensions"`

	Qdrant  index.QdrantConfig  `yaml:"qdrant"`
	Chromem index.ChromemConfig `yaml:"chromem"`
	Sqlite  index.SqliteConfig  `yaml:"sqlite"`
}

// CacheConfig selects and configures the hot cache backend.
type CacheConfig struct {
	Backend string            `yaml:"backend"` // local | redis | none
	Local   cache.LocalConfig `yaml:"local"`
	Redis   cache.RedisConfig `yaml:"redis"`
}

// EmbeddingConfig configures the provider set behind the tier controller.
type EmbeddingConfig struct {
	// Dialect of the advanced tier: direct | deployment.
	Dialect string `yaml:"dialect"`

	OpenAI embedding.OpenAIConfig `yaml:"openai"`
	Azure  embedding.AzureConfig  `yaml:"azure"`
	Local  embedding.LocalConfig  `yaml:"local"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8484",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    100,
			RateLimitBurst:  200,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "memorai",
		},
		Engine: engine.DefaultConfig(),
		Index: IndexConfig{
			Backend:    "memory",
			Collection: "memorai",
			Dimensions: 1536,
		},
		Cache: CacheConfig{
			Backend: "local",
			Local:   cache.DefaultLocalConfig(),
			Redis:   cache.DefaultRedisConfig(),
		},
		RateLimit: ratelimit.DefaultConfig(),
		Tier: tier.Config{
			Preferred: types.TierAdvanced,
		},
		Embedding: EmbeddingConfig{
			Dialect: "direct",
		},
	}
}
