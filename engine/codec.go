package engine

import (
	"time"

	"github.com/codai-ecosystem/memorai-go/index"
	"github.com/codai-ecosystem/memorai-go/types"
)

// toPayload flattens a record into the index payload. The vector is never
// part of the payload; it travels separately as the point key.
func toPayload(r types.MemoryRecord) map[string]any {
	p := map[string]any{
		index.KeyTenantID:     r.TenantID,
		index.KeyAgentID:      r.AgentID,
		index.KeyContent:      r.Content,
		index.KeyKind:         string(r.Kind),
		index.KeyImportance:   r.Importance,
		index.KeyConfidence:   r.Confidence,
		index.KeyAccessCount:  float64(r.AccessCount),
		index.KeyCreatedAt:    float64(r.CreatedAt.Unix()),
		index.KeyUpdatedAt:    float64(r.UpdatedAt.Unix()),
		index.KeyLastAccessed: float64(r.LastAccessedAt.Unix()),
	}
	if len(r.Tags) > 0 {
		tags := make([]any, len(r.Tags))
		for i, t := range r.Tags {
			tags[i] = t
		}
		p[index.KeyTags] = tags
	}
	if r.ExpiresAt != nil {
		p[index.KeyExpiresAt] = float64(r.ExpiresAt.Unix())
	}
	if len(r.Context) > 0 {
		p[index.KeyContext] = r.Context
	}
	return p
}

// fromPayload rebuilds a record from an index payload.
func fromPayload(id string, p map[string]any) types.MemoryRecord {
	r := types.MemoryRecord{
		ID:             id,
		TenantID:       str(p, index.KeyTenantID),
		AgentID:        str(p, index.KeyAgentID),
		Content:        str(p, index.KeyContent),
		Kind:           types.MemoryKind(str(p, index.KeyKind)),
		Importance:     num(p, index.KeyImportance),
		Confidence:     num(p, index.KeyConfidence),
		AccessCount:    int64(num(p, index.KeyAccessCount)),
		CreatedAt:      unixTime(p, index.KeyCreatedAt),
		UpdatedAt:      unixTime(p, index.KeyUpdatedAt),
		LastAccessedAt: unixTime(p, index.KeyLastAccessed),
	}
	if tags := strSlice(p, index.KeyTags); len(tags) > 0 {
		r.Tags = tags
	}
	if v, ok := p[index.KeyExpiresAt]; ok && v != nil {
		if n, ok := asFloat(v); ok {
			t := time.Unix(int64(n), 0)
			r.ExpiresAt = &t
		}
	}
	if bag, ok := p[index.KeyContext].(map[string]any); ok {
		r.Context = bag
	}
	return r
}

func str(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func num(p map[string]any, key string) float64 {
	if n, ok := asFloat(p[key]); ok {
		return n
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func unixTime(p map[string]any, key string) time.Time {
	if n, ok := asFloat(p[key]); ok && n > 0 {
		return time.Unix(int64(n), 0)
	}
	return time.Time{}
}

func strSlice(p map[string]any, key string) []string {
	switch v := p[key].(type) {
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
