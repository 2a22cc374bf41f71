package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codai-ecosystem/memorai-go/cache"
	"github.com/codai-ecosystem/memorai-go/index"
	"github.com/codai-ecosystem/memorai-go/internal/metrics"
	"github.com/codai-ecosystem/memorai-go/ratelimit"
	"github.com/codai-ecosystem/memorai-go/retry"
	"github.com/codai-ecosystem/memorai-go/tier"
	"github.com/codai-ecosystem/memorai-go/types"
)

// Config holds the engine's tunables.
type Config struct {
	Ranker RankerConfig `yaml:"ranker" json:"ranker"`

	// Retry policy for index calls.
	Retry *retry.Policy `yaml:"-" json:"-"`

	// CandidateFloor is the minimum candidate set requested from the index
	// before rescoring.
	CandidateFloor int `yaml:"candidate_floor" json:"candidate_floor"`

	// ForgetQueryLimit caps forget-by-query matches.
	ForgetQueryLimit int `yaml:"forget_query_limit" json:"forget_query_limit"`

	// DedupWindow deduplicates identical remembers within the window;
	// 0 disables deduplication.
	DedupWindow time.Duration `yaml:"dedup_window" json:"dedup_window"`

	// Per-call budgets.
	CacheBudget time.Duration `yaml:"cache_budget" json:"cache_budget"`
	IndexBudget time.Duration `yaml:"index_budget" json:"index_budget"`
	EmbedBudget time.Duration `yaml:"embed_budget" json:"embed_budget"`

	// WriteBehindBuffer sizes the access-bump queue.
	WriteBehindBuffer int `yaml:"write_behind_buffer" json:"write_behind_buffer"`

	// Stats sampling: exact below the threshold, sampled above.
	StatsSampleThreshold int64 `yaml:"stats_sample_threshold" json:"stats_sample_threshold"`
	StatsSampleSize      int   `yaml:"stats_sample_size" json:"stats_sample_size"`
}

// DefaultConfig 返回默认引擎配置
func DefaultConfig() Config {
	return Config{
		Ranker:               DefaultRankerConfig(),
		CandidateFloor:       50,
		ForgetQueryLimit:     100,
		DedupWindow:          0,
		CacheBudget:          25 * time.Millisecond,
		IndexBudget:          250 * time.Millisecond,
		EmbedBudget:          2 * time.Second,
		WriteBehindBuffer:    1024,
		StatsSampleThreshold: 100_000,
		StatsSampleSize:      10_000,
	}
}

// RememberRequest is the input to Remember.
type RememberRequest struct {
	Content    string           `json:"content"`
	TenantID   string           `json:"tenant_id"`
	AgentID    string           `json:"agent_id"`
	Kind       types.MemoryKind `json:"kind,omitempty"`
	Importance *float64         `json:"importance,omitempty"`
	Confidence *float64         `json:"confidence,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	Context    map[string]any   `json:"context,omitempty"`
	TTL        *time.Time       `json:"ttl,omitempty"`
}

type dedupEntry struct {
	id string
	at time.Time
}

// Engine is the single public surface for memory operations.
type Engine struct {
	cfg     Config
	idx     index.Index
	hot     cache.Cache
	limiter *ratelimit.Limiter
	tiers   *tier.Controller
	retryer *retry.Retryer
	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger

	rkMu sync.Mutex
	rk   *ranker

	// scopes serializes remember/forget per (tenant, agent); recall never
	// takes these locks.
	scopes sync.Map // string → *sync.Mutex

	dedupMu sync.Mutex
	dedup   map[string]dedupEntry

	wb        *writeBehind
	startedAt time.Time

	now func() time.Time
}

// New assembles an engine over its collaborators. The tier controller must
// be started (or left probing deliberately) by the caller.
func New(cfg Config, idx index.Index, hot cache.Cache, limiter *ratelimit.Limiter, tiers *tier.Controller, collector *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.CandidateFloor <= 0 {
		cfg.CandidateFloor = def.CandidateFloor
	}
	if cfg.ForgetQueryLimit <= 0 {
		cfg.ForgetQueryLimit = def.ForgetQueryLimit
	}
	if cfg.CacheBudget <= 0 {
		cfg.CacheBudget = def.CacheBudget
	}
	if cfg.IndexBudget <= 0 {
		cfg.IndexBudget = def.IndexBudget
	}
	if cfg.EmbedBudget <= 0 {
		cfg.EmbedBudget = def.EmbedBudget
	}
	if cfg.WriteBehindBuffer <= 0 {
		cfg.WriteBehindBuffer = def.WriteBehindBuffer
	}
	if cfg.StatsSampleThreshold <= 0 {
		cfg.StatsSampleThreshold = def.StatsSampleThreshold
	}
	if cfg.StatsSampleSize <= 0 {
		cfg.StatsSampleSize = def.StatsSampleSize
	}

	e := &Engine{
		cfg:       cfg,
		idx:       idx,
		hot:       hot,
		limiter:   limiter,
		tiers:     tiers,
		retryer:   retry.New(cfg.Retry, logger),
		metrics:   collector,
		tracer:    otel.Tracer("memorai/engine"),
		logger:    logger.With(zap.String("component", "engine")),
		rk:        newRanker(cfg.Ranker),
		dedup:     make(map[string]dedupEntry),
		startedAt: time.Now(),
		now:       time.Now,
	}
	e.wb = newWriteBehind(cfg.WriteBehindBuffer, logger, collector)
	return e
}

// Close drains the write-behind queue and stops background workers.
func (e *Engine) Close() {
	e.wb.close()
}

// ---- operation plumbing ----

// begin opens a traced, timed operation.
func (e *Engine) begin(ctx context.Context, op, tenant string) (context.Context, func(err error)) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "memorai."+op, trace.WithAttributes(
		attribute.String("memorai.tenant_id", tenant),
	))
	if reqID, ok := types.RequestID(ctx); ok {
		span.SetAttributes(attribute.String("memorai.request_id", reqID))
	}
	return ctx, func(err error) {
		status := "ok"
		if err != nil {
			status = string(types.GetErrorCode(err))
			if status == "" {
				status = "error"
			}
			span.RecordError(err)
		}
		span.End()
		e.metrics.RecordOperation(op, status, e.now().Sub(start))
	}
}

// admit runs rate-limit admission. Denials happen before any side effect.
func (e *Engine) admit(ctx context.Context, tenantID, agentID string) error {
	if e.limiter == nil {
		return nil
	}
	source, _ := types.SourceAddr(ctx)
	d := e.limiter.Check(tenantID, agentID, source)
	if !d.Allowed {
		e.metrics.RecordRateLimitDenial(d.LimitType)
		return types.NewError(types.ErrRateLimited, fmt.Sprintf("%s rate limit exceeded", d.LimitType)).
			WithResetAt(d.ResetAt)
	}
	e.limiter.Commit(tenantID, agentID, source)
	return nil
}

// scopeLock returns the write mutex of a (tenant, agent) scope.
func (e *Engine) scopeLock(tenantID, agentID string) *sync.Mutex {
	key := tenantID + "|" + agentID
	v, _ := e.scopes.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// embed runs the tier-controlled embedding under the per-call budget.
func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.EmbedBudget)
	defer cancel()

	start := e.now()
	res, err := e.tiers.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordEmbedding(res.Tokens, e.now().Sub(start))
	return res.Vector, nil
}

// indexCall runs fn under the index retry policy with a per-attempt budget.
func (e *Engine) indexCall(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.retryer.Do(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.IndexBudget)
		defer cancel()
		return fn(attemptCtx)
	})
}

// invalidateScope drops cached reads for the written scope, including
// queries that span all agents of the tenant.
func (e *Engine) invalidateScope(ctx context.Context, tenantID, agentID string) {
	if e.hot == nil {
		return
	}
	prefixes := []string{cache.ScopePrefix(tenantID, agentID)}
	if agentID != "" {
		prefixes = append(prefixes, cache.ScopePrefix(tenantID, ""))
	}
	for _, p := range prefixes {
		if _, err := e.hot.Invalidate(ctx, p); err != nil {
			e.logger.Warn("cache invalidation failed", zap.String("prefix", p), zap.Error(err))
		}
	}
}

func mapCtxErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrCancelled, "operation cancelled").WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrTimeout, "operation exceeded budget").WithCause(err)
	}
	return err
}

// ---- remember ----

// Remember validates, embeds, and persists a memory, returning its id.
func (e *Engine) Remember(ctx context.Context, req RememberRequest) (string, error) {
	ctx, finish := e.begin(ctx, "remember", req.TenantID)
	var retErr error
	defer func() { finish(retErr) }()

	rec, err := e.validateRemember(req)
	if err != nil {
		retErr = err
		return "", err
	}

	if err := e.admit(ctx, rec.TenantID, rec.AgentID); err != nil {
		retErr = err
		return "", err
	}

	if id, ok := e.dedupLookup(rec); ok {
		e.logger.Debug("remember deduplicated", zap.String("id", id))
		return id, nil
	}

	vector, err := e.embed(ctx, rec.Content)
	if err != nil {
		retErr = mapCtxErr(err)
		return "", retErr
	}

	lk := e.scopeLock(rec.TenantID, rec.AgentID)
	lk.Lock()
	defer lk.Unlock()

	now := e.now()
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.LastAccessedAt = now

	point := index.Point{ID: rec.ID, Vector: vector, Payload: toPayload(rec)}
	if err := e.indexCall(ctx, func(ctx context.Context) error {
		return e.idx.Upsert(ctx, []index.Point{point})
	}); err != nil {
		retErr = mapCtxErr(err)
		return "", retErr
	}

	e.invalidateScope(ctx, rec.TenantID, rec.AgentID)
	e.dedupStore(rec)

	e.logger.Info("memory stored",
		zap.String("id", rec.ID),
		zap.String("tenant_id", rec.TenantID),
		zap.String("agent_id", rec.AgentID),
		zap.String("kind", string(rec.Kind)),
	)
	return rec.ID, nil
}

func (e *Engine) validateRemember(req RememberRequest) (types.MemoryRecord, error) {
	var rec types.MemoryRecord

	if strings.TrimSpace(req.Content) == "" {
		return rec, types.NewError(types.ErrInvalidInput, "content is empty or whitespace")
	}
	if len(req.Content) > types.MaxContentChars {
		return rec, types.NewError(types.ErrInvalidInput, "content exceeds size bound")
	}
	if req.TenantID == "" || req.AgentID == "" {
		return rec, types.NewError(types.ErrInvalidInput, "tenant_id and agent_id are required")
	}

	kind := req.Kind
	if kind == "" {
		kind = types.KindOther
	}
	if !types.ValidKind(kind) {
		return rec, types.NewError(types.ErrInvalidInput, "unknown memory kind: "+string(kind))
	}

	importance := types.DefaultImportance
	if req.Importance != nil {
		if *req.Importance < 0 || *req.Importance > 1 {
			return rec, types.NewError(types.ErrInvalidInput, "importance must be within [0,1]")
		}
		importance = *req.Importance
	}
	confidence := types.DefaultConfidence
	if req.Confidence != nil {
		if *req.Confidence < 0 || *req.Confidence > 1 {
			return rec, types.NewError(types.ErrInvalidInput, "confidence must be within [0,1]")
		}
		confidence = *req.Confidence
	}

	if req.TTL != nil && !req.TTL.After(e.now()) {
		return rec, types.NewError(types.ErrInvalidInput, "ttl must be in the future")
	}

	if len(req.Context) > 0 {
		raw, err := json.Marshal(req.Context)
		if err != nil {
			return rec, types.NewError(types.ErrInvalidInput, "context bag is not serializable").WithCause(err)
		}
		if len(raw) > types.MaxContextBytes {
			return rec, types.NewError(types.ErrInvalidInput, "context bag exceeds size bound")
		}
	}

	rec = types.MemoryRecord{
		TenantID:   req.TenantID,
		AgentID:    req.AgentID,
		Content:    req.Content,
		Kind:       kind,
		Importance: importance,
		Confidence: confidence,
		Tags:       types.FoldTags(req.Tags),
		Context:    req.Context,
		ExpiresAt:  req.TTL,
	}
	return rec, nil
}

// dedup key: identical (tenant, agent, content, kind, tags) within the
// window resolve to the existing id. Deterministic by construction.
func dedupKey(rec types.MemoryRecord) string {
	h := sha256.New()
	h.Write([]byte(rec.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(rec.AgentID))
	h.Write([]byte{0})
	h.Write([]byte(rec.Content))
	h.Write([]byte{0})
	h.Write([]byte(rec.Kind))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(rec.Tags, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) dedupLookup(rec types.MemoryRecord) (string, bool) {
	if e.cfg.DedupWindow <= 0 {
		return "", false
	}
	key := dedupKey(rec)
	now := e.now()

	e.dedupMu.Lock()
	defer e.dedupMu.Unlock()
	if entry, ok := e.dedup[key]; ok && now.Sub(entry.at) <= e.cfg.DedupWindow {
		return entry.id, true
	}
	return "", false
}

func (e *Engine) dedupStore(rec types.MemoryRecord) {
	if e.cfg.DedupWindow <= 0 {
		return
	}
	key := dedupKey(rec)
	now := e.now()

	e.dedupMu.Lock()
	defer e.dedupMu.Unlock()
	e.dedup[key] = dedupEntry{id: rec.ID, at: now}
	// Opportunistic pruning keeps the map bounded.
	for k, entry := range e.dedup {
		if now.Sub(entry.at) > e.cfg.DedupWindow {
			delete(e.dedup, k)
		}
	}
}

// ---- recall ----

// Recall runs semantic retrieval with composite ranking.
func (e *Engine) Recall(ctx context.Context, q types.MemoryQuery) ([]types.ScoredMemory, error) {
	ctx, finish := e.begin(ctx, "recall", q.TenantID)
	var retErr error
	defer func() { finish(retErr) }()

	if err := validateQuery(q); err != nil {
		retErr = err
		return nil, err
	}
	if q.TopK == 0 {
		return []types.ScoredMemory{}, nil
	}

	if err := e.admit(ctx, q.TenantID, q.AgentID); err != nil {
		retErr = err
		return nil, err
	}

	key := e.queryCacheKey("recall", q.TenantID, q.AgentID, q)
	if cached, ok := e.cacheGet(ctx, "recall", key); ok {
		var out []types.ScoredMemory
		if err := json.Unmarshal(cached, &out); err == nil {
			return out, nil
		}
	}

	out, err := e.search(ctx, q, true)
	if err != nil {
		retErr = mapCtxErr(err)
		return nil, retErr
	}

	e.cachePut(ctx, key, out, cache.TTLRecall)
	return out, nil
}

// search is the shared retrieval core of Recall and topic Context. bump
// controls access accounting, which only true recalls perform.
func (e *Engine) search(ctx context.Context, q types.MemoryQuery, bump bool) ([]types.ScoredMemory, error) {
	vector, err := e.embed(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	now := e.now()
	filter := queryFilter(q, now)

	candidates := q.TopK
	if candidates < e.cfg.CandidateFloor {
		candidates = e.cfg.CandidateFloor
	}

	var hits []index.QueryResult
	if err := e.indexCall(ctx, func(ctx context.Context) error {
		var qerr error
		hits, qerr = e.idx.Query(ctx, vector, candidates, filter)
		return qerr
	}); err != nil {
		return nil, err
	}

	lexical := e.tiers.ActiveTier().Level == types.TierBasic

	e.rkMu.Lock()
	for _, h := range hits {
		e.rk.observe(int64(num(h.Payload, index.KeyAccessCount)))
	}
	scored := make([]types.ScoredMemory, 0, len(hits))
	for _, h := range hits {
		rec := fromPayload(h.ID, h.Payload)
		score, reason := e.rk.score(rec, h.Score, now, lexical)
		if score < q.MinScore {
			continue
		}
		scored = append(scored, types.ScoredMemory{Record: rec, Score: score, Reason: reason})
	}
	e.rkMu.Unlock()

	// Deterministic ordering: score desc, updated_at desc, id asc.
	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Record.UpdatedAt.Equal(b.Record.UpdatedAt) {
			return a.Record.UpdatedAt.After(b.Record.UpdatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
	if len(scored) > q.TopK {
		scored = scored[:q.TopK]
	}

	if bump {
		for i := range scored {
			scored[i].Record.AccessCount++
			scored[i].Record.LastAccessedAt = now
			e.wb.bumpAccess(e.idx, scored[i].Record.ID, scored[i].Record.AccessCount, now)
		}
	}
	return scored, nil
}

func validateQuery(q types.MemoryQuery) error {
	if strings.TrimSpace(q.Text) == "" {
		return types.NewError(types.ErrInvalidInput, "query text is empty or whitespace")
	}
	if q.TenantID == "" {
		return types.NewError(types.ErrInvalidInput, "tenant_id is required")
	}
	if q.TopK < 0 || q.TopK > types.MaxRecallK {
		return types.NewError(types.ErrInvalidInput, fmt.Sprintf("top_k must be within [0,%d]", types.MaxRecallK))
	}
	if q.MinScore < 0 || q.MinScore > 1 {
		return types.NewError(types.ErrInvalidInput, "min_score must be within [0,1]")
	}
	for _, k := range q.Kinds {
		if !types.ValidKind(k) {
			return types.NewError(types.ErrInvalidInput, "unknown memory kind: "+string(k))
		}
	}
	return nil
}

func queryFilter(q types.MemoryQuery, now time.Time) index.Filter {
	f := index.Filter{
		TenantID:  q.TenantID,
		AgentID:   q.AgentID,
		TagsAll:   types.FoldTags(q.Tags),
		VisibleAt: now,
	}
	for _, k := range q.Kinds {
		f.Kinds = append(f.Kinds, string(k))
	}
	if q.Window != nil {
		f.CreatedAfter = q.Window.Start
		f.CreatedUntil = q.Window.End
	}
	return f
}

// ---- forget ----

// Forget deletes memories by id or by query.
func (e *Engine) Forget(ctx context.Context, sel types.ForgetSelector) (types.ForgetResult, error) {
	ctx, finish := e.begin(ctx, "forget", sel.TenantID)
	var retErr error
	defer func() { finish(retErr) }()

	if sel.TenantID == "" {
		retErr = types.NewError(types.ErrInvalidInput, "tenant_id is required")
		return types.ForgetResult{}, retErr
	}
	if (sel.ID == "") == (sel.Query == nil) {
		retErr = types.NewError(types.ErrInvalidInput, "exactly one of id or query must be set")
		return types.ForgetResult{}, retErr
	}

	if err := e.admit(ctx, sel.TenantID, sel.AgentID); err != nil {
		retErr = err
		return types.ForgetResult{}, err
	}

	if sel.ID != "" {
		res, err := e.forgetByID(ctx, sel)
		retErr = err
		return res, err
	}
	res, err := e.forgetByQuery(ctx, sel)
	retErr = err
	return res, err
}

func (e *Engine) forgetByID(ctx context.Context, sel types.ForgetSelector) (types.ForgetResult, error) {
	lk := e.scopeLock(sel.TenantID, sel.AgentID)
	lk.Lock()
	defer lk.Unlock()

	// The tenant filter keeps one tenant from deleting another's record by
	// guessing its id.
	filter := index.Filter{TenantID: sel.TenantID, AgentID: sel.AgentID, IDs: []string{sel.ID}}
	deleted := 0
	if err := e.indexCall(ctx, func(ctx context.Context) error {
		n, derr := e.idx.DeleteByFilter(ctx, filter)
		if derr == nil {
			deleted = n
		}
		return derr
	}); err != nil {
		return types.ForgetResult{}, mapCtxErr(err)
	}
	if deleted < 0 {
		deleted = 1 // backend cannot report counts; the call succeeded
	}

	e.invalidateScope(ctx, sel.TenantID, sel.AgentID)
	e.logger.Info("memory forgotten",
		zap.String("id", sel.ID),
		zap.String("tenant_id", sel.TenantID),
		zap.Int("deleted", deleted),
	)
	return types.ForgetResult{DeletedCount: deleted, FailedIDs: []string{}}, nil
}

func (e *Engine) forgetByQuery(ctx context.Context, sel types.ForgetSelector) (types.ForgetResult, error) {
	if !sel.Confirm {
		return types.ForgetResult{}, types.NewError(types.ErrInvalidInput, "bulk forget requires confirmation")
	}

	q := *sel.Query
	q.TenantID = sel.TenantID
	if q.AgentID == "" {
		q.AgentID = sel.AgentID
	}
	if q.TopK <= 0 || q.TopK > e.cfg.ForgetQueryLimit {
		q.TopK = e.cfg.ForgetQueryLimit
	}
	q.MinScore = 0

	var ids []string
	if strings.TrimSpace(q.Text) != "" {
		matches, err := e.search(ctx, q, false)
		if err != nil {
			return types.ForgetResult{}, mapCtxErr(err)
		}
		for _, m := range matches {
			ids = append(ids, m.Record.ID)
		}
	} else {
		// 无查询文本：按过滤条件整批删除
		filter := queryFilter(q, e.now())
		deleted := 0
		if err := e.indexCall(ctx, func(ctx context.Context) error {
			n, derr := e.idx.DeleteByFilter(ctx, filter)
			if derr == nil {
				deleted = n
			}
			return derr
		}); err != nil {
			return types.ForgetResult{}, mapCtxErr(err)
		}
		if deleted < 0 {
			deleted = 0
		}
		e.invalidateScope(ctx, sel.TenantID, sel.AgentID)
		return types.ForgetResult{DeletedCount: deleted, FailedIDs: []string{}}, nil
	}

	lk := e.scopeLock(sel.TenantID, sel.AgentID)
	lk.Lock()
	defer lk.Unlock()

	var (
		mu      sync.Mutex
		failed  []string
		deleted int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			err := e.indexCall(gctx, func(ctx context.Context) error {
				return e.idx.DeleteByID(ctx, id)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Partial failure: keep going, report the id. Successful
				// deletions are never undone.
				failed = append(failed, id)
				e.logger.Warn("forget failed for id", zap.String("id", id), zap.Error(err))
				return nil
			}
			deleted++
			return nil
		})
	}
	_ = g.Wait()

	e.invalidateScope(ctx, sel.TenantID, sel.AgentID)
	if failed == nil {
		failed = []string{}
	}
	sort.Strings(failed)
	return types.ForgetResult{DeletedCount: deleted, FailedIDs: failed}, nil
}

// ---- context ----

// Context assembles a ranked memory bundle with a textual rollup.
func (e *Engine) Context(ctx context.Context, req types.ContextRequest) (types.ContextBundle, error) {
	ctx, finish := e.begin(ctx, "context", req.TenantID)
	var retErr error
	defer func() { finish(retErr) }()

	if req.TenantID == "" || req.AgentID == "" {
		retErr = types.NewError(types.ErrInvalidInput, "tenant_id and agent_id are required")
		return types.ContextBundle{}, retErr
	}
	if req.MaxMemories < 0 || req.MaxMemories > types.MaxRecallK {
		retErr = types.NewError(types.ErrInvalidInput, fmt.Sprintf("max_memories must be within [0,%d]", types.MaxRecallK))
		return types.ContextBundle{}, retErr
	}
	if req.MaxMemories == 0 {
		req.MaxMemories = 20
	}
	if req.Summary == "" {
		req.Summary = types.SummaryBrief
	}
	switch req.Summary {
	case types.SummaryDetailed, types.SummaryBrief, types.SummaryHighlights:
	default:
		retErr = types.NewError(types.ErrInvalidInput, "unknown summary kind: "+string(req.Summary))
		return types.ContextBundle{}, retErr
	}

	if err := e.admit(ctx, req.TenantID, req.AgentID); err != nil {
		retErr = err
		return types.ContextBundle{}, err
	}

	key := e.queryCacheKey("context", req.TenantID, req.AgentID, req)
	if cached, ok := e.cacheGet(ctx, "context", key); ok {
		var out types.ContextBundle
		if err := json.Unmarshal(cached, &out); err == nil {
			return out, nil
		}
	}

	var (
		memories []types.ScoredMemory
		err      error
	)
	if strings.TrimSpace(req.Topic) != "" {
		memories, err = e.search(ctx, types.MemoryQuery{
			Text:     req.Topic,
			TenantID: req.TenantID,
			AgentID:  req.AgentID,
			TopK:     req.MaxMemories,
			Window:   req.Window,
		}, false)
	} else {
		memories, err = e.gatherRecent(ctx, req)
	}
	if err != nil {
		retErr = mapCtxErr(err)
		return types.ContextBundle{}, retErr
	}

	bundle := types.ContextBundle{
		Memories: memories,
		Summary:  summarize(memories, req.Summary),
	}
	e.cachePut(ctx, key, bundle, cache.TTLContext)
	return bundle, nil
}

// gatherRecent lists the scope's records in the window and ranks them by
// recency and importance only.
func (e *Engine) gatherRecent(ctx context.Context, req types.ContextRequest) ([]types.ScoredMemory, error) {
	now := e.now()
	filter := index.Filter{
		TenantID:  req.TenantID,
		AgentID:   req.AgentID,
		VisibleAt: now,
	}
	if req.Window != nil {
		filter.CreatedAfter = req.Window.Start
		filter.CreatedUntil = req.Window.End
	}

	// Bounded sweep: a handful of pages is plenty for a context bundle.
	var points []index.Point
	cursor := ""
	for sweep := 0; sweep < 5; sweep++ {
		var (
			page []index.Point
			next string
		)
		if err := e.indexCall(ctx, func(ctx context.Context) error {
			var lerr error
			page, next, lerr = e.idx.List(ctx, filter, cursor, 200)
			return lerr
		}); err != nil {
			return nil, err
		}
		points = append(points, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	e.rkMu.Lock()
	scored := make([]types.ScoredMemory, 0, len(points))
	for _, p := range points {
		rec := fromPayload(p.ID, p.Payload)
		score := e.rk.scoreContext(rec, now)
		reason := types.ReasonRecent
		if e.cfg.Ranker.ImportanceWeight*rec.Importance > e.cfg.Ranker.RecencyWeight {
			reason = types.ReasonImportant
		}
		scored = append(scored, types.ScoredMemory{Record: rec, Score: score, Reason: reason})
	}
	e.rkMu.Unlock()

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Record.UpdatedAt.Equal(b.Record.UpdatedAt) {
			return a.Record.UpdatedAt.After(b.Record.UpdatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
	if len(scored) > req.MaxMemories {
		scored = scored[:req.MaxMemories]
	}
	return scored, nil
}

// ---- stats / health ----

// Stats summarizes the collection: exact below the sampling threshold,
// sampled above it.
func (e *Engine) Stats(ctx context.Context) (types.StatsReport, error) {
	ctx, finish := e.begin(ctx, "stats", "")
	var retErr error
	defer func() { finish(retErr) }()

	var total int64
	if err := e.indexCall(ctx, func(ctx context.Context) error {
		var cerr error
		total, cerr = e.idx.Count(ctx, index.Filter{})
		return cerr
	}); err != nil {
		retErr = mapCtxErr(err)
		return types.StatsReport{}, retErr
	}

	report := types.StatsReport{
		TotalRecords: total,
		ByKind:       make(map[string]int64),
		UpdatedAt:    e.now(),
	}
	if total == 0 {
		return report, nil
	}

	sampleLimit := int(total)
	if total > e.cfg.StatsSampleThreshold {
		report.Approximate = true
		sampleLimit = e.cfg.StatsSampleSize
	}

	var (
		sampled       int64
		importanceSum float64
		bytesSum      int64
		tenants       = make(map[string]struct{})
		agents        = make(map[string]struct{})
	)
	cursor := ""
	for sampled < int64(sampleLimit) {
		var (
			page []index.Point
			next string
		)
		if err := e.indexCall(ctx, func(ctx context.Context) error {
			var lerr error
			page, next, lerr = e.idx.List(ctx, index.Filter{}, cursor, 500)
			return lerr
		}); err != nil {
			retErr = mapCtxErr(err)
			return types.StatsReport{}, retErr
		}
		if len(page) == 0 {
			break
		}
		for _, p := range page {
			rec := fromPayload(p.ID, p.Payload)
			report.ByKind[string(rec.Kind)]++
			importanceSum += rec.Importance
			bytesSum += int64(len(rec.Content)) + 256
			tenants[rec.TenantID] = struct{}{}
			agents[rec.TenantID+"|"+rec.AgentID] = struct{}{}
			sampled++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if sampled > 0 {
		report.MeanImportance = importanceSum / float64(sampled)
		if report.Approximate {
			scale := float64(total) / float64(sampled)
			for k, v := range report.ByKind {
				report.ByKind[k] = int64(float64(v) * scale)
			}
			bytesSum = int64(float64(bytesSum) * scale)
		}
	}
	report.ApproxBytes = bytesSum
	report.Tenants = len(tenants)
	report.Agents = len(agents)
	return report, nil
}

// Health reports liveness for the transport adapter.
func (e *Engine) Health() types.HealthReport {
	report := types.HealthReport{
		State:      e.tiers.State(),
		ActiveTier: string(e.tiers.ActiveTier().Level),
		UptimeMS:   time.Since(e.startedAt).Milliseconds(),
	}
	if err := e.tiers.LastError(); err != nil {
		report.LastError = err.Error()
	}
	return report
}

// TierInfo reports the active embedding tier.
func (e *Engine) TierInfo() types.TierDescriptor {
	return e.tiers.ActiveTier()
}

// ReProbe re-runs tier selection; the only path back to a higher tier.
func (e *Engine) ReProbe(ctx context.Context) (types.TierDescriptor, error) {
	return e.tiers.ReProbe(ctx)
}

// FlushWriteBehind blocks until pending access bumps have drained. Intended
// for tests and graceful shutdown.
func (e *Engine) FlushWriteBehind() {
	e.wb.flush()
}

// ---- cache helpers ----

func (e *Engine) queryCacheKey(op, tenantID, agentID string, params any) string {
	raw, _ := json.Marshal(params)
	return cache.Key(tenantID, agentID, op, raw)
}

func (e *Engine) cacheGet(ctx context.Context, op, key string) ([]byte, bool) {
	if e.hot == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CacheBudget)
	defer cancel()

	payload, err := e.hot.Get(ctx, key)
	if err != nil {
		if !cache.IsCacheMiss(err) {
			e.logger.Warn("cache read failed", zap.Error(err))
		}
		e.metrics.RecordCacheMiss(op)
		return nil, false
	}
	e.metrics.RecordCacheHit(op)
	return payload, true
}

func (e *Engine) cachePut(ctx context.Context, key string, value any, ttl time.Duration) {
	if e.hot == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CacheBudget)
	defer cancel()
	if err := e.hot.Put(ctx, key, raw, ttl); err != nil {
		e.logger.Warn("cache write failed", zap.Error(err))
	}
}

// summarize produces the textual rollup of a context bundle.
func summarize(memories []types.ScoredMemory, kind types.SummaryKind) string {
	if len(memories) == 0 {
		return "no memories in scope"
	}

	switch kind {
	case types.SummaryBrief:
		tagCounts := make(map[string]int)
		for _, m := range memories {
			for _, t := range m.Record.Tags {
				tagCounts[t]++
			}
		}
		type tc struct {
			tag string
			n   int
		}
		tags := make([]tc, 0, len(tagCounts))
		for t, n := range tagCounts {
			tags = append(tags, tc{t, n})
		}
		sort.Slice(tags, func(i, j int) bool {
			if tags[i].n != tags[j].n {
				return tags[i].n > tags[j].n
			}
			return tags[i].tag < tags[j].tag
		})
		if len(tags) > 3 {
			tags = tags[:3]
		}
		names := make([]string, len(tags))
		for i, t := range tags {
			names[i] = t.tag
		}
		if len(names) == 0 {
			return fmt.Sprintf("%d memories", len(memories))
		}
		return fmt.Sprintf("%d memories; top tags: %s", len(memories), strings.Join(names, ", "))

	case types.SummaryDetailed:
		type group struct {
			count int
			topID string
		}
		groups := make(map[string]*group)
		for _, m := range memories {
			k := string(m.Record.Kind)
			g, ok := groups[k]
			if !ok {
				g = &group{topID: m.Record.ID}
				groups[k] = g
			}
			g.count++
		}
		kinds := make([]string, 0, len(groups))
		for k := range groups {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		parts := make([]string, 0, len(kinds))
		for _, k := range kinds {
			g := groups[k]
			parts = append(parts, fmt.Sprintf("%s: %d (top %s)", k, g.count, g.topID))
		}
		return strings.Join(parts, "; ")

	case types.SummaryHighlights:
		top := memories
		if len(top) > 3 {
			top = top[:3]
		}
		parts := make([]string, len(top))
		for i, m := range top {
			content := m.Record.Content
			if len(content) > 80 {
				content = content[:80] + "…"
			}
			parts[i] = content
		}
		return strings.Join(parts, " | ")
	}
	return ""
}
