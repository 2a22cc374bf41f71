// Package server is the thin JSON-over-HTTP transport adapter of the memory
// core. It maps requests 1:1 onto engine operations and carries no business
// logic of its own; semantics live in the engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/config"
	"github.com/codai-ecosystem/memorai-go/engine"
	"github.com/codai-ecosystem/memorai-go/internal/metrics"
	"github.com/codai-ecosystem/memorai-go/types"
)

// Server wraps the engine behind an http.Server.
type Server struct {
	cfg    config.ServerConfig
	engine *engine.Engine
	logger *zap.Logger
	http   *http.Server
}

// healthPaths are exempt from authentication.
var healthPaths = []string{"/health", "/healthz", "/metrics"}

// New assembles the adapter.
func New(cfg config.ServerConfig, eng *engine.Engine, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		engine: eng,
		logger: logger.With(zap.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/memory/remember", s.handleRemember)
	mux.HandleFunc("POST /api/v1/memory/recall", s.handleRecall)
	mux.HandleFunc("POST /api/v1/memory/forget", s.handleForget)
	mux.HandleFunc("POST /api/v1/memory/context", s.handleContext)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /api/v1/tier", s.handleTier)
	mux.HandleFunc("POST /api/v1/tier/reprobe", s.handleReProbe)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if collector != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{}))
	}

	handler := Chain(mux,
		Recovery(logger),
		RequestID(),
		SourceAddr(),
		RequestLogger(logger),
		SecurityHeaders(),
		RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger),
		APIKeyAuth(cfg.APIKeys, healthPaths, logger),
		JWTAuth(cfg.JWT, healthPaths, logger),
	)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the composed handler for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server listening", zap.String("addr", s.cfg.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// ---- response envelope ----

type errorPayload struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	At      time.Time `json:"at"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError reduces any error to the taxonomy envelope. Provider-specific
// diagnostics never leak to callers.
func writeError(w http.ResponseWriter, err error) {
	code := types.GetErrorCode(err)
	if code == "" {
		code = types.ErrInternal
	}

	payload := errorPayload{Code: string(code), At: time.Now()}
	var terr *types.Error
	if errors.As(err, &terr) {
		payload.Message = terr.Message
		if !terr.ResetAt.IsZero() {
			payload.Details = "reset_at=" + terr.ResetAt.UTC().Format(time.RFC3339)
		}
	} else {
		payload.Message = "internal error"
	}

	writeJSON(w, httpStatus(code), errorEnvelope{Error: payload})
}

func httpStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidInput:
		return http.StatusBadRequest
	case types.ErrNotReady:
		return http.StatusServiceUnavailable
	case types.ErrAuthFailed:
		return http.StatusUnauthorized
	case types.ErrUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrSchemaMismatch:
		return http.StatusConflict
	case types.ErrConflict:
		return http.StatusConflict
	case types.ErrCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ---- handlers ----

func decode[T any](w http.ResponseWriter, r *http.Request, dst *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, types.NewError(types.ErrInvalidInput, "malformed request body").WithCause(err))
		return false
	}
	return true
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req engine.RememberRequest
	if !decode(w, r, &req) {
		return
	}
	// A JWT-derived tenant binds the request to the caller's namespace.
	if tenantID, ok := types.TenantID(r.Context()); ok {
		req.TenantID = tenantID
	}

	id, err := s.engine.Remember(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var q types.MemoryQuery
	if !decode(w, r, &q) {
		return
	}
	if tenantID, ok := types.TenantID(r.Context()); ok {
		q.TenantID = tenantID
	}
	if q.TopK == 0 {
		q.TopK = 10
	}

	out, err := s.engine.Recall(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": out})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	var sel types.ForgetSelector
	if !decode(w, r, &sel) {
		return
	}
	if tenantID, ok := types.TenantID(r.Context()); ok {
		sel.TenantID = tenantID
	}

	res, err := s.engine.Forget(r.Context(), sel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var req types.ContextRequest
	if !decode(w, r, &req) {
		return
	}
	if tenantID, ok := types.TenantID(r.Context()); ok {
		req.TenantID = tenantID
	}

	bundle, err := s.engine.Context(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleTier(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.TierInfo())
}

func (s *Server) handleReProbe(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.ReProbe(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.engine.Health()
	status := http.StatusOK
	if h.State == "error" || h.State == "probing" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}
