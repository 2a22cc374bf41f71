package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codai-ecosystem/memorai-go/types"
)

// QdrantConfig configures the Qdrant-backed Index.
//
// Notes:
// - Qdrant point IDs are UUIDs; a stable UUID is derived from the memory id.
// - The original memory id travels in the payload under "point_id".
type QdrantConfig struct {
	Host       string        `yaml:"host" json:"host"`
	Port       int           `yaml:"port" json:"port"`
	BaseURL    string        `yaml:"base_url" json:"base_url,omitempty"`
	APIKey     string        `yaml:"api_key" json:"api_key,omitempty"`
	Collection string        `yaml:"collection" json:"collection"`
	Dimensions int           `yaml:"dimensions" json:"dimensions"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	AutoCreateCollection bool `yaml:"auto_create_collection" json:"auto_create_collection,omitempty"`
}

const qdrantIDField = "point_id"

// QdrantIndex implements Index over Qdrant's REST API.
type QdrantIndex struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantIndex creates a Qdrant-backed Index.
func NewQdrantIndex(cfg QdrantConfig, logger *zap.Logger) *QdrantIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1536
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantIndex{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_index")),
	}
}

// Dimensions returns the fixed collection dimension.
func (q *QdrantIndex) Dimensions() int { return q.cfg.Dimensions }

var qdrantNamespace = uuid.MustParse("7c9e6a2b-1f4d-4f0e-9b3a-2a6d8e4c5f10")

func qdrantPointID(memoryID string) string {
	// Stable UUID derived from the memory id (supports any string input).
	return uuid.NewSHA1(qdrantNamespace, []byte(memoryID)).String()
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	if !q.cfg.AutoCreateCollection {
		return nil
	}
	q.ensureOnce.Do(func() {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     q.cfg.Dimensions,
				"distance": "Cosine",
			},
		}
		var resp any
		err := q.doJSON(ctx, http.MethodPut, "/collections/"+url.PathEscape(q.cfg.Collection), body, &resp)
		// Qdrant returns 409 if the collection exists.
		var terr *types.Error
		if errors.As(err, &terr) && terr.HTTPStatus == http.StatusConflict {
			err = nil
		}
		q.ensureErr = err
	})
	return q.ensureErr
}

func (q *QdrantIndex) doJSON(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(q.cfg.APIKey) != "" {
		// Qdrant convention.
		req.Header.Set("api-key", q.cfg.APIKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return types.NewError(types.ErrCancelled, "index call cancelled").WithCause(err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return types.NewError(types.ErrTimeout, "index call exceeded budget").WithCause(err)
		}
		return types.NewError(types.ErrUnavailable, "vector index unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		msg := string(raw)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		cause := fmt.Errorf("qdrant %s %s: status=%d body=%s", method, path, resp.StatusCode, msg)
		if resp.StatusCode >= 500 {
			return types.NewError(types.ErrUnavailable, "vector index error").WithCause(cause).WithHTTPStatus(resp.StatusCode)
		}
		if strings.Contains(msg, "dimension") || strings.Contains(msg, "Vector dimension") {
			return types.NewError(types.ErrSchemaMismatch, "collection dimension mismatch").WithCause(cause).WithHTTPStatus(resp.StatusCode)
		}
		return types.NewError(types.ErrInvalidInput, "vector index rejected request").WithCause(cause).WithHTTPStatus(resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// qdrantFilter translates a Filter into Qdrant's filter JSON.
func qdrantFilter(f Filter) map[string]any {
	var must []any
	if len(f.IDs) > 0 {
		ids := make([]any, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = qdrantPointID(id)
		}
		must = append(must, map[string]any{"has_id": ids})
	}
	if f.TenantID != "" {
		must = append(must, map[string]any{"key": KeyTenantID, "match": map[string]any{"value": f.TenantID}})
	}
	if f.AgentID != "" {
		must = append(must, map[string]any{"key": KeyAgentID, "match": map[string]any{"value": f.AgentID}})
	}
	if len(f.Kinds) > 0 {
		must = append(must, map[string]any{"key": KeyKind, "match": map[string]any{"any": f.Kinds}})
	}
	for _, tag := range f.TagsAll {
		must = append(must, map[string]any{"key": KeyTags, "match": map[string]any{"value": tag}})
	}
	created := map[string]any{}
	if !f.CreatedAfter.IsZero() {
		created["gte"] = f.CreatedAfter.Unix()
	}
	if !f.CreatedUntil.IsZero() {
		created["lte"] = f.CreatedUntil.Unix()
	}
	if len(created) > 0 {
		must = append(must, map[string]any{"key": KeyCreatedAt, "range": created})
	}
	if !f.VisibleAt.IsZero() {
		must = append(must, map[string]any{
			"should": []any{
				map[string]any{"is_empty": map[string]any{"key": KeyExpiresAt}},
				map[string]any{"key": KeyExpiresAt, "range": map[string]any{"gt": f.VisibleAt.Unix()}},
			},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

// Upsert stores points, atomic per point.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if err := ValidatePoint(p, q.cfg.Dimensions); err != nil {
			return err
		}
	}
	if err := q.ensureCollection(ctx); err != nil {
		return err
	}

	type qpoint struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload,omitempty"`
	}
	qpoints := make([]qpoint, 0, len(points))
	for _, p := range points {
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		payload[qdrantIDField] = p.ID
		qpoints = append(qpoints, qpoint{ID: qdrantPointID(p.ID), Vector: p.Vector, Payload: payload})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(q.cfg.Collection))
	var resp any
	if err := q.doJSON(ctx, http.MethodPut, path, map[string]any{"points": qpoints}, &resp); err != nil {
		return err
	}
	q.logger.Debug("qdrant upsert completed", zap.Int("count", len(points)))
	return nil
}

// DeleteByID removes a single point.
func (q *QdrantIndex) DeleteByID(ctx context.Context, id string) error {
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(q.cfg.Collection))
	var resp any
	return q.doJSON(ctx, http.MethodPost, path, map[string]any{
		"points": []string{qdrantPointID(id)},
	}, &resp)
}

// SetPayload merges patch into an existing point's payload via Qdrant's
// set-payload endpoint.
func (q *QdrantIndex) SetPayload(ctx context.Context, id string, patch map[string]any) error {
	path := fmt.Sprintf("/collections/%s/points/payload?wait=true", url.PathEscape(q.cfg.Collection))
	var resp any
	return q.doJSON(ctx, http.MethodPost, path, map[string]any{
		"payload": patch,
		"points":  []string{qdrantPointID(id)},
	}, &resp)
}

// DeleteByFilter removes all points matching the filter. Qdrant does not
// report the removed count, so -1 is returned.
func (q *QdrantIndex) DeleteByFilter(ctx context.Context, f Filter) (int, error) {
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(q.cfg.Collection))
	var resp any
	if err := q.doJSON(ctx, http.MethodPost, path, map[string]any{"filter": qdrantFilter(f)}, &resp); err != nil {
		return 0, err
	}
	return -1, nil
}

// Query returns the k nearest points under the filter.
func (q *QdrantIndex) Query(ctx context.Context, vector []float32, k int, f Filter) ([]QueryResult, error) {
	if k <= 0 {
		return []QueryResult{}, nil
	}
	if len(vector) != q.cfg.Dimensions {
		return nil, types.NewError(types.ErrSchemaMismatch, "vector dimension mismatch").
			WithCause(dimError(len(vector), q.cfg.Dimensions))
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
		"with_vector":  false,
	}
	if filter := qdrantFilter(f); filter != nil {
		req["filter"] = filter
	}

	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(q.cfg.Collection))
	if err := q.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]QueryResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		id := stringAttr(r.Payload, qdrantIDField)
		if id == "" {
			id = fmt.Sprint(r.ID)
		}
		delete(r.Payload, qdrantIDField)
		out = append(out, QueryResult{
			ID:      id,
			Score:   RenormalizeCosine(r.Score),
			Payload: r.Payload,
		})
	}
	return out, nil
}

// List pages through matching points using Qdrant's scroll API.
func (q *QdrantIndex) List(ctx context.Context, f Filter, cursor string, limit int) ([]Point, string, error) {
	if limit <= 0 {
		limit = 100
	}
	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}
	if filter := qdrantFilter(f); filter != nil {
		req["filter"] = filter
	}
	if cursor != "" {
		offset, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		req["offset"] = offset
	}

	var resp struct {
		Result struct {
			Points []struct {
				ID      any            `json:"id"`
				Vector  []float32      `json:"vector"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
			NextPageOffset any `json:"next_page_offset"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/scroll", url.PathEscape(q.cfg.Collection))
	if err := q.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, "", err
	}

	page := make([]Point, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		id := stringAttr(p.Payload, qdrantIDField)
		if id == "" {
			id = fmt.Sprint(p.ID)
		}
		delete(p.Payload, qdrantIDField)
		page = append(page, Point{ID: id, Vector: p.Vector, Payload: p.Payload})
	}

	next := ""
	if resp.Result.NextPageOffset != nil {
		next = encodeCursor(fmt.Sprint(resp.Result.NextPageOffset))
	}
	return page, next, nil
}

// Count returns the number of matching points.
func (q *QdrantIndex) Count(ctx context.Context, f Filter) (int64, error) {
	req := map[string]any{"exact": true}
	if filter := qdrantFilter(f); filter != nil {
		req["filter"] = filter
	}
	var resp struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", url.PathEscape(q.cfg.Collection))
	if err := q.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}
