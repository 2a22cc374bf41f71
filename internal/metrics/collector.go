// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	registry *prometheus.Registry

	// 引擎指标
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 嵌入层指标
	tierDemotions *prometheus.CounterVec
	embedTokens   prometheus.Counter
	embedDuration prometheus.Histogram

	// 限流指标
	rateLimitDenials *prometheus.CounterVec

	// 写回指标
	writeBehindDrops prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器（使用独立 registry，避免测试间注册冲突）
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.operationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of memory operations",
		},
		[]string{"op", "status"},
	)

	c.operationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Memory operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Hot cache hits",
		},
		[]string{"op"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Hot cache misses",
		},
		[]string{"op"},
	)

	c.tierDemotions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_demotions_total",
			Help:      "Embedding tier demotions",
		},
		[]string{"from", "to"},
	)

	c.embedTokens = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_tokens_total",
			Help:      "Approximate tokens sent to embedding providers",
		},
	)

	c.embedDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_duration_seconds",
			Help:      "Embedding call duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)

	c.rateLimitDenials = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denials_total",
			Help:      "Admission denials by limit type",
		},
		[]string{"limit_type"},
	)

	c.writeBehindDrops = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_behind_drops_total",
			Help:      "Access-bump updates dropped because the queue was full",
		},
	)

	return c
}

// Registry exposes the collector's registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordOperation 记录一次引擎操作
func (c *Collector) RecordOperation(op, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.operationsTotal.WithLabelValues(op, status).Inc()
	c.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(op string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(op).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(op string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(op).Inc()
}

// RecordTierDemotion 记录层级降级
func (c *Collector) RecordTierDemotion(from, to string) {
	if c == nil {
		return
	}
	c.tierDemotions.WithLabelValues(from, to).Inc()
}

// RecordEmbedding 记录一次嵌入调用
func (c *Collector) RecordEmbedding(tokens int, duration time.Duration) {
	if c == nil {
		return
	}
	c.embedTokens.Add(float64(tokens))
	c.embedDuration.Observe(duration.Seconds())
}

// RecordRateLimitDenial 记录限流拒绝
func (c *Collector) RecordRateLimitDenial(limitType string) {
	if c == nil {
		return
	}
	c.rateLimitDenials.WithLabelValues(limitType).Inc()
}

// RecordWriteBehindDrop 记录写回队列溢出
func (c *Collector) RecordWriteBehindDrop() {
	if c == nil {
		return
	}
	c.writeBehindDrops.Inc()
}
