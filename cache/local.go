package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalConfig configures the in-process cache.
type LocalConfig struct {
	// MaxEntries bounds the cache size; GC evicts least-frequently-used
	// entries above it.
	MaxEntries int `yaml:"max_entries" json:"max_entries"`

	// GCInterval drives the background janitor; 0 disables it (GC can
	// still be called explicitly).
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`
}

// DefaultLocalConfig 返回默认本地缓存配置
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		MaxEntries: 10_000,
		GCInterval: time.Minute,
	}
}

type entry struct {
	payload    []byte
	insertedAt time.Time
	expiresAt  time.Time
	hits       int64
}

// Local is the in-process hot cache: single-writer multiple-reader map with
// per-entry hit counts, TTL expiry, and LFU eviction above the size bound.
type Local struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cfg     LocalConfig
	logger  *zap.Logger

	stop chan struct{}
	once sync.Once

	// now is swappable in tests.
	now func() time.Time
}

// NewLocal creates the in-process cache and starts its janitor when
// GCInterval is set.
func NewLocal(cfg LocalConfig, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultLocalConfig().MaxEntries
	}
	c := &Local{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "hot_cache")),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	if cfg.GCInterval > 0 {
		go c.janitor()
	}
	return c
}

// Get returns the payload for key and records a hit.
func (c *Local) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok = c.entries[key]
	if !ok || now.After(e.expiresAt) {
		delete(c.entries, key)
		return nil, ErrCacheMiss
	}
	e.hits++
	// Payloads are immutable snapshots; hand out a copy so callers cannot
	// mutate cached state.
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out, nil
}

// Put stores payload under key for ttl.
func (c *Local) Put(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = TTLRecall
	}
	stored := make([]byte, len(payload))
	copy(stored, payload)

	now := c.now()
	c.mu.Lock()
	c.entries[key] = &entry{
		payload:    stored,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

// Invalidate removes every entry whose key starts with prefix.
func (c *Local) Invalidate(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed, nil
}

// GC removes expired entries, then evicts LFU entries above the size bound.
func (c *Local) GC(_ context.Context) error {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}

	if over := len(c.entries) - c.cfg.MaxEntries; over > 0 {
		type kv struct {
			key  string
			hits int64
		}
		all := make([]kv, 0, len(c.entries))
		for k, e := range c.entries {
			all = append(all, kv{k, e.hits})
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].hits != all[j].hits {
				return all[i].hits < all[j].hits
			}
			return all[i].key < all[j].key
		})
		for i := 0; i < over; i++ {
			delete(c.entries, all[i].key)
		}
		c.logger.Debug("cache evicted LFU entries", zap.Int("evicted", over))
	}
	return nil
}

// Len returns the current entry count.
func (c *Local) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Hits returns the hit count of key, for stats surfaces.
func (c *Local) Hits(key string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[key]; ok {
		return e.hits
	}
	return 0
}

// Close stops the janitor.
func (c *Local) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Local) janitor() {
	ticker := time.NewTicker(c.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			_ = c.GC(context.Background())
		}
	}
}
