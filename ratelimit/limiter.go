// Package ratelimit provides admission control for the memory core at four
// granularities: global, per tenant, per agent, and per source address. The
// decision is taken before any embedding or index call, so a denied request
// has no side effects. The engineering invariant: a tenant cannot starve
// another by volume alone.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Action taken when a bucket is exhausted.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionThrottle Action = "throttle"
	ActionBlock    Action = "block"
)

// Rule is a fixed-window token bucket definition.
type Rule struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
	Action      Action        `yaml:"action" json:"action"`
}

// Decision is the admission outcome, the most restrictive across scopes.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Action    Action    `json:"action"`
	ResetAt   time.Time `json:"reset_at"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	LimitType string    `json:"limit_type"` // global | tenant | agent | source
}

// Violation records a denial for operator inspection.
type Violation struct {
	Scope     string    `json:"scope"`
	LimitType string    `json:"limit_type"`
	At        time.Time `json:"at"`
}

// Config carries the default rules per scope class. Explicit per-scope rules
// set via SetRule take precedence.
type Config struct {
	Global        *Rule `yaml:"global" json:"global"`
	TenantDefault *Rule `yaml:"tenant_default" json:"tenant_default"`
	AgentDefault  *Rule `yaml:"agent_default" json:"agent_default"`
	SourceDefault *Rule `yaml:"source_default" json:"source_default"`

	// JanitorInterval drives expired-bucket cleanup; 0 disables the loop.
	JanitorInterval time.Duration `yaml:"janitor_interval" json:"janitor_interval"`
}

// DefaultConfig 返回默认限流配置
func DefaultConfig() Config {
	return Config{
		Global:          &Rule{MaxRequests: 5000, Window: time.Minute, Action: ActionThrottle},
		TenantDefault:   &Rule{MaxRequests: 600, Window: time.Minute, Action: ActionThrottle},
		AgentDefault:    &Rule{MaxRequests: 300, Window: time.Minute, Action: ActionThrottle},
		SourceDefault:   &Rule{MaxRequests: 1200, Window: time.Minute, Action: ActionBlock},
		JanitorInterval: time.Minute,
	}
}

const maxViolations = 1000

type bucket struct {
	count       int
	windowStart time.Time
	resetAt     time.Time
	violations  int
}

// Limiter implements multi-scope admission control.
type Limiter struct {
	mu         sync.Mutex
	cfg        Config
	rules      map[string]Rule // explicit per-scope overrides
	buckets    map[string]*bucket
	violations []Violation
	multiplier float64 // adaptive per-tenant multiplier
	logger     *zap.Logger

	stop chan struct{}
	once sync.Once

	now func() time.Time
}

// New creates a Limiter and starts its janitor when configured.
func New(cfg Config, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		cfg:        cfg,
		rules:      make(map[string]Rule),
		buckets:    make(map[string]*bucket),
		multiplier: 1.0,
		logger:     logger.With(zap.String("component", "ratelimit")),
		stop:       make(chan struct{}),
		now:        time.Now,
	}
	if cfg.JanitorInterval > 0 {
		go l.janitor()
	}
	return l
}

// Scope key builders.

func globalScope() string            { return "global" }
func tenantScope(t string) string    { return "tenant:" + t }
func agentScope(t, a string) string  { return fmt.Sprintf("agent:%s:%s", t, a) }
func sourceScope(addr string) string { return "source:" + addr }

type scopedRule struct {
	scope     string
	limitType string
	rule      Rule
	adaptive  bool // tenant-class scopes shrink under adaptive pressure
}

// applicable collects the scopes with a rule for this request.
func (l *Limiter) applicable(tenant, agent, source string) []scopedRule {
	var out []scopedRule
	add := func(scope, limitType string, def *Rule, adaptive bool) {
		if r, ok := l.rules[scope]; ok {
			out = append(out, scopedRule{scope, limitType, r, adaptive})
			return
		}
		if def != nil {
			out = append(out, scopedRule{scope, limitType, *def, adaptive})
		}
	}
	add(globalScope(), "global", l.cfg.Global, false)
	if tenant != "" {
		add(tenantScope(tenant), "tenant", l.cfg.TenantDefault, true)
	}
	if tenant != "" && agent != "" {
		add(agentScope(tenant, agent), "agent", l.cfg.AgentDefault, true)
	}
	if source != "" {
		add(sourceScope(source), "source", l.cfg.SourceDefault, false)
	}
	return out
}

// effectiveLimit applies the adaptive multiplier to tenant-class scopes.
func (l *Limiter) effectiveLimit(sr scopedRule) int {
	limit := sr.rule.MaxRequests
	if sr.adaptive && l.multiplier < 1.0 {
		limit = int(float64(limit) * l.multiplier)
		if limit < 1 {
			limit = 1
		}
	}
	return limit
}

// Check evaluates admission without consuming tokens. The decision is the
// most restrictive across applicable scopes.
func (l *Limiter) Check(tenant, agent, source string) Decision {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	decision := Decision{Allowed: true, Action: ActionAllow, Remaining: -1}
	for _, sr := range l.applicable(tenant, agent, source) {
		b := l.bucketFor(sr.scope, sr.rule, now)
		limit := l.effectiveLimit(sr)

		remaining := limit - b.count
		if now.After(b.resetAt) {
			remaining = limit // window rolls on next commit
		}
		if remaining < 0 {
			remaining = 0
		}

		if remaining <= 0 {
			action := sr.rule.Action
			if action == "" || action == ActionAllow {
				action = ActionThrottle
			}
			b.violations++
			l.recordViolation(sr.scope, sr.limitType, now)
			return Decision{
				Allowed:   false,
				Action:    action,
				ResetAt:   b.resetAt,
				Remaining: 0,
				Limit:     limit,
				LimitType: sr.limitType,
			}
		}

		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Remaining = remaining
			decision.Limit = limit
			decision.LimitType = sr.limitType
			decision.ResetAt = b.resetAt
		}
	}
	return decision
}

// Commit consumes one token in every applicable scope. Call only after an
// allowed Check.
func (l *Limiter) Commit(tenant, agent, source string) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, sr := range l.applicable(tenant, agent, source) {
		b := l.bucketFor(sr.scope, sr.rule, now)
		if now.After(b.resetAt) {
			b.count = 0
			b.windowStart = now
			b.resetAt = now.Add(sr.rule.Window)
			b.violations = 0
		}
		b.count++
	}
}

func (l *Limiter) bucketFor(scope string, rule Rule, now time.Time) *bucket {
	b, ok := l.buckets[scope]
	if !ok {
		b = &bucket{windowStart: now, resetAt: now.Add(rule.Window)}
		l.buckets[scope] = b
	}
	return b
}

func (l *Limiter) recordViolation(scope, limitType string, at time.Time) {
	l.violations = append(l.violations, Violation{Scope: scope, LimitType: limitType, At: at})
	if len(l.violations) > maxViolations {
		l.violations = l.violations[len(l.violations)-maxViolations:]
	}
}

// SetRule installs an explicit rule for a scope key (e.g. "tenant:t1").
func (l *Limiter) SetRule(scope string, rule Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[scope] = rule
	delete(l.buckets, scope) // rule change restarts the window
}

// RemoveRule drops an explicit rule; the class default applies again.
func (l *Limiter) RemoveRule(scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rules, scope)
	delete(l.buckets, scope)
}

// UpdateAdaptive shrinks per-tenant limits under sustained load: above 0.8
// load (or p50 pressure) tenants get 70% of their budget, between 0.6 and
// 0.8 they get 85%, otherwise the full budget.
func (l *Limiter) UpdateAdaptive(load float64, p50ResponseMS float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.multiplier
	switch {
	case load > 0.8 || p50ResponseMS > 1000:
		l.multiplier = 0.7
	case load >= 0.6:
		l.multiplier = 0.85
	default:
		l.multiplier = 1.0
	}
	if prev != l.multiplier {
		l.logger.Info("adaptive rate limits updated",
			zap.Float64("load", load),
			zap.Float64("p50_ms", p50ResponseMS),
			zap.Float64("multiplier", l.multiplier),
		)
	}
}

// Violations returns a copy of the bounded violation log.
func (l *Limiter) Violations() []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Violation, len(l.violations))
	copy(out, l.violations)
	return out
}

// Cleanup evicts buckets whose window has passed and whose violation history
// is empty.
func (l *Limiter) Cleanup() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for scope, b := range l.buckets {
		if now.After(b.resetAt) && b.violations == 0 {
			delete(l.buckets, scope)
			removed++
		}
	}
	return removed
}

// Close stops the janitor.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(l.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				l.logger.Debug("evicted expired rate buckets", zap.Int("count", n))
			}
		}
	}
}
