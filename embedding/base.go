package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/codai-ecosystem/memorai-go/retry"
	"github.com/codai-ecosystem/memorai-go/types"
)

// BaseClient 为远程嵌入提供者提供共同功能：HTTP 请求、错误映射、
// 限速与重试。
type BaseClient struct {
	name       string
	client     *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	maxBatch   int
	limiter    *rate.Limiter
	retryer    *retry.Retryer
	logger     *zap.Logger
}

// BaseConfig holds the common configuration of remote providers.
type BaseConfig struct {
	Name       string
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	MaxBatch   int
	Timeout    time.Duration

	// RPS smooths calls to the upstream endpoint; 0 disables smoothing.
	RPS   float64
	Burst int

	Retry *retry.Policy
}

// NewBaseClient creates the shared remote-provider client.
func NewBaseClient(cfg BaseConfig, logger *zap.Logger) *BaseClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBatch := cfg.MaxBatch
	if maxBatch == 0 {
		maxBatch = 100
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RPS) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &BaseClient{
		name:       cfg.Name,
		client:     &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		maxBatch:   maxBatch,
		limiter:    limiter,
		retryer:    retry.New(cfg.Retry, logger),
		logger:     logger.With(zap.String("component", "embedding"), zap.String("provider", cfg.Name)),
	}
}

func (c *BaseClient) Name() string    { return c.name }
func (c *BaseClient) Dimensions() int { return c.dimensions }
func (c *BaseClient) MaxBatch() int   { return c.maxBatch }

// DoRequest performs an HTTP request with rate smoothing, retry, and taxonomy
// error mapping. The response body is returned on 2xx.
func (c *BaseClient) DoRequest(ctx context.Context, method, endpoint string, body any, headers map[string]string) ([]byte, error) {
	var respBody []byte
	err := c.retryer.Do(ctx, func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return types.NewError(types.ErrCancelled, "request cancelled while pacing").WithCause(err)
			}
		}

		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return types.NewError(types.ErrCancelled, "request cancelled").WithCause(err).WithProvider(c.name)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return types.NewError(types.ErrTimeout, "embedding call exceeded budget").WithCause(err).WithProvider(c.name)
			}
			return types.NewError(types.ErrUnavailable, "embedding endpoint unreachable").
				WithCause(err).WithProvider(c.name).WithHTTPStatus(http.StatusBadGateway)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return types.NewError(types.ErrUnavailable, "reading embedding response failed").
				WithCause(err).WithProvider(c.name)
		}
		if resp.StatusCode >= 400 {
			return mapHTTPError(resp.StatusCode, string(data), c.name)
		}
		respBody = data
		return nil
	})
	return respBody, err
}

// mapHTTPError 将 HTTP 状态映射到错误分类
func mapHTTPError(status int, msg, provider string) *types.Error {
	var code types.ErrorCode
	retryable := false

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = types.ErrAuthFailed
	case status == http.StatusTooManyRequests:
		// Provider-side rate/quota pressure is transient from our side.
		code = types.ErrUnavailable
		retryable = true
	case status == http.StatusBadRequest:
		code = types.ErrInvalidInput
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = types.ErrTimeout
		retryable = true
	case status >= 500:
		code = types.ErrUnavailable
		retryable = true
	default:
		code = types.ErrUnavailable
	}

	if len(msg) > 512 {
		msg = msg[:512]
	}
	return types.NewError(code, "embedding provider error").
		WithCause(fmt.Errorf("status=%d body=%s", status, msg)).
		WithHTTPStatus(status).
		WithRetryable(retryable).
		WithProvider(provider)
}

// chunk splits texts into batches of at most size.
func chunk(texts []string, size int) [][]string {
	if size <= 0 || len(texts) <= size {
		return [][]string{texts}
	}
	var out [][]string
	for len(texts) > size {
		out = append(out, texts[:size])
		texts = texts[size:]
	}
	if len(texts) > 0 {
		out = append(out, texts)
	}
	return out
}

// ---- token estimation ----

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// approxTokens estimates the token count of text via tiktoken's cl100k_base
// encoding. When the encoding cannot be loaded (offline environments) a
// bytes/4 heuristic is used instead.
func approxTokens(text string) int {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenizer = enc
		}
	})
	if tokenizer != nil {
		return len(tokenizer.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
