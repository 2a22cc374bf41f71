package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig 配置共享缓存后端
type RedisConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`

	// KeyPrefix namespaces memorai keys inside a shared redis.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		KeyPrefix:    "memorai:",
	}
}

// Redis is the shared hot-cache backend for multi-process deployments. It
// trades the in-process cache's strict local coherence for cross-process
// sharing; expiry is enforced by redis TTLs so GC is a no-op.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedis connects the shared cache backend and pings it once.
func NewRedis(cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultRedisConfig().Addr
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info("shared cache connected", zap.String("addr", cfg.Addr))
	return &Redis{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "redis_cache")),
	}, nil
}

// Get returns the payload for key and records a hit.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.cfg.KeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		r.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("cache get failed: %w", err)
	}
	// Hit accounting rides on a companion counter with the same TTL class.
	hitsKey := r.cfg.KeyPrefix + "hits:" + key
	if err := r.client.Incr(ctx, hitsKey).Err(); err == nil {
		if ttl, err := r.client.PTTL(ctx, r.cfg.KeyPrefix+key).Result(); err == nil && ttl > 0 {
			_ = r.client.Expire(ctx, hitsKey, ttl).Err()
		}
	}
	return val, nil
}

// Put stores payload under key for ttl.
func (r *Redis) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = TTLRecall
	}
	if err := r.client.Set(ctx, r.cfg.KeyPrefix+key, payload, ttl).Err(); err != nil {
		r.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// Invalidate removes every entry whose key starts with prefix via SCAN+DEL.
func (r *Redis) Invalidate(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	pattern := r.cfg.KeyPrefix + prefix + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return removed, fmt.Errorf("cache scan failed: %w", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("cache delete failed: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

// GC is a no-op: redis enforces TTLs itself.
func (r *Redis) GC(context.Context) error { return nil }

// Close releases the client.
func (r *Redis) Close() error { return r.client.Close() }
