// Package cache provides the hot cache of the memory core: short-TTL
// memoization of recall responses and per-tenant stats. The cache is purely
// advisory; on a miss the engine always computes authoritatively, and no
// entry ever holds a mutable reference to persisted state.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// TTL classes by query shape.
const (
	// TTLSimple 简单查找（按 id、按 tag）
	TTLSimple = 30 * time.Second

	// TTLRecall covers typical semantic recalls.
	TTLRecall = 2 * time.Minute

	// TTLContext bounds context bundles; they go stale fastest.
	TTLContext = 5 * time.Second
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss reports whether err is a cache miss.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Cache is the hot cache surface used by the engine.
type Cache interface {
	// Get returns the payload for key and records a hit, or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores payload under key for ttl.
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error

	// Invalidate removes every entry whose key starts with prefix and
	// returns the number removed (-1 when the backend cannot report it).
	Invalidate(ctx context.Context, prefix string) (int, error)

	// GC removes expired entries and, when above the configured size bound,
	// evicts least-frequently-used entries until within bound.
	GC(ctx context.Context) error
}

// Key builds the canonical cache key: tenant|agent|op|hash_of_params.
func Key(tenantID, agentID, op string, params []byte) string {
	sum := sha256.Sum256(params)
	return tenantID + "|" + agentID + "|" + op + "|" + hex.EncodeToString(sum[:16])
}

// ScopePrefix is the invalidation prefix covering every op of a scope.
func ScopePrefix(tenantID, agentID string) string {
	return tenantID + "|" + agentID + "|"
}
