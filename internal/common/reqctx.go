package common

import (
	"context"

	"github.com/google/uuid"
)

// RequestContext carries per-request identity for logging and tracing.
// It is immutable; derived operations create a new value.
type RequestContext struct {
	RequestID string
	Operation string
	Tool      string
}

// NewRequestContext creates a RequestContext with a fresh request id.
func NewRequestContext(operation string) RequestContext {
	return RequestContext{
		RequestID: uuid.NewString(),
		Operation: operation,
	}
}

// ForTool returns a copy scoped to a tool invocation.
func (rc RequestContext) ForTool(tool string) RequestContext {
	rc.Operation = "tool:" + tool
	rc.Tool = tool
	return rc
}

type contextKey int

const (
	requestContextKey contextKey = iota
	identityContextKey
)

// WithRequestContext stores a RequestContext in ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// RequestContextFrom retrieves the RequestContext, creating one when absent
// so downstream log lines always carry a correlation id.
func RequestContextFrom(ctx context.Context) RequestContext {
	if rc, ok := ctx.Value(requestContextKey).(RequestContext); ok {
		return rc
	}
	return NewRequestContext("unknown")
}

// Identity names the credentials a request executes under: either the
// static process-level source credentials or a handshake session.
type Identity struct {
	// Kind is "static" or "token".
	Kind string
	// Key is the session pool key ("token:" plus the session id) for token
	// identities, and the JWT subject for static identities, whose pool
	// comes from the tool's source.
	Key string
	// User is the database user; kept for logging (never the password).
	User string
}

// WithIdentity stores the resolved request identity in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFrom retrieves the request identity, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}
