// Package tier selects and maintains the active embedding provider across
// the capability hierarchy advanced → smart → basic → mock. Selection probes
// providers in priority order at startup; at runtime repeated unavailability
// demotes one level at a time. Demotion is sticky; promotion happens only at
// process restart or explicit re-probe.
package tier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/codai-ecosystem/memorai-go/embedding"
	"github.com/codai-ecosystem/memorai-go/retry"
	"github.com/codai-ecosystem/memorai-go/types"
)

// State of the controller's lifecycle machine.
type State string

const (
	StateProbing State = "probing"
	StateActive  State = "active" // refined by the active tier level
	StateError   State = "error"
)

// Config configures the controller.
type Config struct {
	// Preferred caps the probe chain; probing starts at this level.
	Preferred types.TierLevel `yaml:"preferred" json:"preferred"`

	// TestMode short-circuits selection straight to mock.
	TestMode bool `yaml:"test_mode" json:"test_mode"`

	// ProbeBudget bounds each provider probe. Max 5s.
	ProbeBudget time.Duration `yaml:"probe_budget" json:"probe_budget"`

	// StickyFor is reported with each demotion. Default 60s. A demotion holds
	// until the next ReProbe; ReProbe does not wait for StickyFor to pass.
	StickyFor time.Duration `yaml:"sticky_for" json:"sticky_for"`

	// FailureWindow is the sliding window for the two-strikes demotion rule.
	FailureWindow time.Duration `yaml:"failure_window" json:"failure_window"`

	// OnDemote is notified after each demotion (observability hook).
	OnDemote func(from, to string) `yaml:"-" json:"-"`
}

// Controller owns the fallback chain and proxies embedding calls to the
// active provider.
type Controller struct {
	mu        sync.RWMutex
	providers map[types.TierLevel]embedding.Provider
	cfg       Config
	logger    *zap.Logger

	state       State
	active      types.TierLevel
	dim         int
	lastErr     error
	demotedAt   time.Time
	failures    []time.Time // recent failures of the active tier
	reprobeCall singleflight.Group

	now func() time.Time
}

// New creates a Controller over the registered providers. Call Start before
// serving.
func New(cfg Config, providers map[types.TierLevel]embedding.Provider, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Preferred == "" {
		cfg.Preferred = types.TierAdvanced
	}
	if cfg.ProbeBudget <= 0 || cfg.ProbeBudget > 5*time.Second {
		cfg.ProbeBudget = 5 * time.Second
	}
	if cfg.StickyFor <= 0 {
		cfg.StickyFor = 60 * time.Second
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 60 * time.Second
	}
	return &Controller{
		providers: providers,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "tier_controller")),
		state:     StateProbing,
		now:       time.Now,
	}
}

// Start probes providers in priority order and activates the first
// available one. The dimension is fixed here for the controller's lifetime.
func (c *Controller) Start(ctx context.Context) (types.TierDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probeLocked(ctx)
}

func (c *Controller) probeLocked(ctx context.Context) (types.TierDescriptor, error) {
	c.state = StateProbing
	c.active = ""
	c.failures = nil

	chain := c.chainFrom(c.cfg.Preferred)
	if c.cfg.TestMode {
		chain = []types.TierLevel{types.TierMock}
	}

	for _, level := range chain {
		p, ok := c.providers[level]
		if !ok {
			continue
		}
		if c.dim != 0 && p.Dimensions() != c.dim {
			// A tier with a different dimension would corrupt the
			// collection; it is only usable against a dedicated index.
			c.logger.Warn("skipping tier with mismatched dimension",
				zap.String("tier", string(level)),
				zap.Int("dimensions", p.Dimensions()),
				zap.Int("collection_dimensions", c.dim),
			)
			continue
		}
		if prober, ok := p.(embedding.Prober); ok {
			probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeBudget)
			err := prober.Probe(probeCtx)
			cancel()
			if err != nil {
				c.lastErr = err
				c.logger.Info("tier probe failed",
					zap.String("tier", string(level)),
					zap.Error(err),
				)
				continue
			}
		}

		c.active = level
		c.state = StateActive
		if c.dim == 0 {
			c.dim = p.Dimensions()
		}
		c.logger.Info("tier selected",
			zap.String("tier", string(level)),
			zap.Int("dimensions", c.dim),
		)
		return types.DescribeTier(level), nil
	}

	c.state = StateError
	err := types.NewError(types.ErrInternal, "no embedding tier available").WithCause(c.lastErr)
	return types.TierDescriptor{}, err
}

// chainFrom returns the fallback chain starting at the given level.
func (c *Controller) chainFrom(start types.TierLevel) []types.TierLevel {
	for i, l := range types.FallbackChain {
		if l == start {
			return types.FallbackChain[i:]
		}
	}
	return types.FallbackChain
}

// ActiveTier reports the active tier descriptor.
func (c *Controller) ActiveTier() types.TierDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.state {
	case StateActive:
		d := types.DescribeTier(c.active)
		return d
	case StateProbing:
		return types.TierDescriptor{Level: "", FallbackChain: types.FallbackChain, Message: "probing"}
	default:
		msg := "no tier available"
		if c.lastErr != nil {
			msg = c.lastErr.Error()
		}
		return types.TierDescriptor{Level: "", FallbackChain: types.FallbackChain, Message: msg}
	}
}

// State reports the lifecycle state, refined to the tier level when active.
func (c *Controller) State() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == StateActive {
		return string(c.active)
	}
	return string(c.state)
}

// Dimensions returns the collection dimension fixed at startup (0 before).
func (c *Controller) Dimensions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dim
}

// ReProbe re-runs startup selection; this is the only path back to a higher
// tier. Concurrent calls are deduplicated.
func (c *Controller) ReProbe(ctx context.Context) (types.TierDescriptor, error) {
	v, err, _ := c.reprobeCall.Do("reprobe", func() (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.probeLocked(ctx)
	})
	if err != nil {
		return types.TierDescriptor{}, err
	}
	return v.(types.TierDescriptor), nil
}

// Embed proxies to the active provider, demoting on sustained failure and
// retrying the request once at the new level.
func (c *Controller) Embed(ctx context.Context, text string) (*embedding.Result, error) {
	p, err := c.activeProvider()
	if err != nil {
		return nil, err
	}

	res, err := p.Embed(ctx, text)
	if err == nil {
		c.clearFailures()
		return res, nil
	}

	if !c.shouldDemote(err) {
		return nil, err
	}
	np, derr := c.demote(err)
	if derr != nil {
		return nil, err // chain exhausted; surface the original failure
	}
	return np.Embed(ctx, text)
}

// EmbedBatch proxies to the active provider with the same fallback contract.
func (c *Controller) EmbedBatch(ctx context.Context, texts []string) ([]*embedding.Result, error) {
	p, err := c.activeProvider()
	if err != nil {
		return nil, err
	}

	res, err := p.EmbedBatch(ctx, texts)
	if err == nil {
		c.clearFailures()
		return res, nil
	}

	if !c.shouldDemote(err) {
		return nil, err
	}
	np, derr := c.demote(err)
	if derr != nil {
		return nil, err
	}
	return np.EmbedBatch(ctx, texts)
}

func (c *Controller) activeProvider() (embedding.Provider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.state {
	case StateProbing:
		return nil, types.NewError(types.ErrNotReady, "embedding tier selection in progress")
	case StateError:
		return nil, types.NewError(types.ErrInternal, "no embedding tier available").WithCause(c.lastErr)
	}
	p, ok := c.providers[c.active]
	if !ok {
		return nil, types.NewError(types.ErrInternal, "active tier has no provider")
	}
	return p, nil
}

// shouldDemote applies the demotion rules: an exhausted retry budget demotes
// immediately; otherwise two UNAVAILABLE/TIMEOUT (or repeated AUTH_FAILED)
// strikes within the sliding window are required.
func (c *Controller) shouldDemote(err error) bool {
	code := types.GetErrorCode(err)
	switch code {
	case types.ErrUnavailable, types.ErrTimeout, types.ErrAuthFailed:
	default:
		return false
	}

	if retry.IsExhausted(err) {
		return true
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	// Drop strikes that fell out of the window.
	kept := c.failures[:0]
	for _, t := range c.failures {
		if now.Sub(t) <= c.cfg.FailureWindow {
			kept = append(kept, t)
		}
	}
	c.failures = append(kept, now)
	return len(c.failures) >= 2
}

// demote steps down one level and returns the new provider. The previous
// tier stays bypassed until the next ReProbe (promotion is never automatic);
// StickyFor is not enforced against ReProbe.
func (c *Controller) demote(cause error) (embedding.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.active
	level := from
	for {
		level = types.NextLower(level)
		if level == "" {
			c.state = StateError
			c.lastErr = cause
			return nil, types.NewError(types.ErrInternal, "fallback chain exhausted").WithCause(cause)
		}
		p, ok := c.providers[level]
		if !ok {
			continue
		}
		if c.dim != 0 && p.Dimensions() != c.dim {
			continue
		}

		c.active = level
		c.failures = nil
		c.demotedAt = c.now()
		c.lastErr = cause
		c.logger.Warn("tier demoted",
			zap.String("from", string(from)),
			zap.String("to", string(level)),
			zap.Duration("sticky_for", c.cfg.StickyFor),
			zap.Error(cause),
		)
		if c.cfg.OnDemote != nil {
			c.cfg.OnDemote(string(from), string(level))
		}
		return p, nil
	}
}

func (c *Controller) clearFailures() {
	c.mu.Lock()
	c.failures = nil
	c.mu.Unlock()
}

// LastError exposes the most recent provider failure for health reporting.
func (c *Controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}
