package index

import (
	"context"
	"encoding/base64"
	"math"
	"time"

	"github.com/codai-ecosystem/memorai-go/types"
)

// Canonical payload attribute keys. Timestamps are stored as unix seconds so
// range filters work uniformly across backends.
const (
	KeyTenantID     = "tenant_id"
	KeyAgentID      = "agent_id"
	KeyKind         = "kind"
	KeyTags         = "tags"
	KeyContent      = "content"
	KeyImportance   = "importance"
	KeyConfidence   = "confidence"
	KeyAccessCount  = "access_count"
	KeyCreatedAt    = "created_at"
	KeyUpdatedAt    = "updated_at"
	KeyLastAccessed = "last_accessed_at"
	KeyExpiresAt    = "expires_at"
	KeyContext      = "context"
)

// forbiddenPayloadKeys would duplicate the vector inside the payload.
var forbiddenPayloadKeys = []string{"vector", "embedding"}

// Point is a stored index entry.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// QueryResult is one k-nearest hit. Score is cosine similarity renormalized
// into [0,1], sorted descending by the backend.
type QueryResult struct {
	ID      string         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Filter is a conjunction of equality and range clauses over payload
// attributes. Zero values mean "no constraint".
type Filter struct {
	TenantID     string
	AgentID      string
	IDs          []string // restrict to these point ids
	Kinds        []string
	TagsAll      []string // tags ⊇ S
	CreatedAfter time.Time
	CreatedUntil time.Time
	// VisibleAt hides records whose TTL passed before the given instant
	// (ttl IS NULL OR ttl > VisibleAt).
	VisibleAt time.Time
}

// MatchID evaluates the id clause; payload matching cannot see the id.
func (f Filter) MatchID(id string) bool {
	if len(f.IDs) == 0 {
		return true
	}
	for _, want := range f.IDs {
		if want == id {
			return true
		}
	}
	return false
}

// Index is the persistence abstraction over a vector store.
type Index interface {
	// Upsert stores points atomically per point. Vectors must match the
	// collection dimension; payloads must not contain the vector.
	Upsert(ctx context.Context, points []Point) error

	// DeleteByID removes a single point.
	DeleteByID(ctx context.Context, id string) error

	// DeleteByFilter removes all points matching the filter and returns the
	// number removed when the backend can report it (-1 otherwise).
	DeleteByFilter(ctx context.Context, f Filter) (int, error)

	// SetPayload merges patch into an existing point's payload without
	// touching its vector. Patching a missing id is a no-op.
	SetPayload(ctx context.Context, id string, patch map[string]any) error

	// Query returns the k nearest points under the filter, sorted by
	// similarity descending.
	Query(ctx context.Context, vector []float32, k int, f Filter) ([]QueryResult, error)

	// List pages through matching points in stable id order. The returned
	// cursor is opaque; empty means the listing is exhausted.
	List(ctx context.Context, f Filter, cursor string, limit int) ([]Point, string, error)

	// Count returns the number of matching points.
	Count(ctx context.Context, f Filter) (int64, error)

	// Dimensions returns the fixed collection dimension.
	Dimensions() int
}

// ValidatePoint enforces the shared integrity rules: vector length equals the
// collection dimension and the payload does not duplicate the vector.
func ValidatePoint(p Point, dim int) error {
	if p.ID == "" {
		return types.NewError(types.ErrInvalidInput, "point id is empty")
	}
	if len(p.Vector) != dim {
		return types.NewError(types.ErrSchemaMismatch, "vector dimension mismatch").
			WithCause(dimError(len(p.Vector), dim))
	}
	for _, k := range forbiddenPayloadKeys {
		if _, found := p.Payload[k]; found {
			return types.NewError(types.ErrInvalidInput, "payload must not contain the vector")
		}
	}
	return nil
}

type dimMismatch struct{ got, want int }

func (e dimMismatch) Error() string { return "got dimension " + itoa(e.got) + ", want " + itoa(e.want) }

func dimError(got, want int) error { return dimMismatch{got, want} }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// MatchPayload evaluates the filter against a payload using the canonical
// keys. Backends without native filtering use it as a post-filter.
func MatchPayload(payload map[string]any, f Filter) bool {
	if f.TenantID != "" && stringAttr(payload, KeyTenantID) != f.TenantID {
		return false
	}
	if f.AgentID != "" && stringAttr(payload, KeyAgentID) != f.AgentID {
		return false
	}
	if len(f.Kinds) > 0 {
		kind := stringAttr(payload, KeyKind)
		found := false
		for _, k := range f.Kinds {
			if k == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.TagsAll) > 0 {
		tags := stringSliceAttr(payload, KeyTags)
		set := make(map[string]struct{}, len(tags))
		for _, t := range tags {
			set[t] = struct{}{}
		}
		for _, want := range f.TagsAll {
			if _, ok := set[want]; !ok {
				return false
			}
		}
	}
	created := numberAttr(payload, KeyCreatedAt)
	if !f.CreatedAfter.IsZero() && created < float64(f.CreatedAfter.Unix()) {
		return false
	}
	if !f.CreatedUntil.IsZero() && created > float64(f.CreatedUntil.Unix()) {
		return false
	}
	if !f.VisibleAt.IsZero() {
		if exp, ok := payload[KeyExpiresAt]; ok && exp != nil {
			if expUnix, ok := toNumber(exp); ok && expUnix <= float64(f.VisibleAt.Unix()) {
				return false
			}
		}
	}
	return true
}

func stringAttr(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceAttr(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func numberAttr(payload map[string]any, key string) float64 {
	if n, ok := toNumber(payload[key]); ok {
		return n
	}
	return 0
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// CosineScore computes cosine similarity renormalized into [0,1].
func CosineScore(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return RenormalizeCosine(cos)
}

// RenormalizeCosine maps cosine similarity from [-1,1] into [0,1].
func RenormalizeCosine(cos float64) float64 {
	s := (cos + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Cursor helpers: the opaque cursor is the base64 of the last returned id.

func encodeCursor(lastID string) string {
	if lastID == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(lastID))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", types.NewError(types.ErrInvalidInput, "malformed list cursor").WithCause(err)
	}
	return string(b), nil
}
