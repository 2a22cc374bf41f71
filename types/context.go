package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID contextKey = "request_id"
	keyTenantID  contextKey = "tenant_id"
	keyAgentID   contextKey = "agent_id"
	keySource    contextKey = "source_addr"
)

// WithRequestID adds an opaque request ID to context. The engine echoes it in
// traces and logs but never interprets it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithTenantID adds tenant ID to context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, keyTenantID, tenantID)
}

// TenantID extracts tenant ID from context.
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTenantID).(string)
	return v, ok && v != ""
}

// WithAgentID adds agent ID to context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, keyAgentID, agentID)
}

// AgentID extracts agent ID from context.
func AgentID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAgentID).(string)
	return v, ok && v != ""
}

// WithSourceAddr adds the caller's source address to context for
// source-scoped rate limiting.
func WithSourceAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, keySource, addr)
}

// SourceAddr extracts the caller's source address from context.
func SourceAddr(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keySource).(string)
	return v, ok && v != ""
}
