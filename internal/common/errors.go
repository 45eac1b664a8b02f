package common

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for transport-level handling. Lower layers
// return *KindError values; only the dispatcher turns them into MCP
// results, and only the auth handlers turn them into HTTP statuses.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConfiguration
	KindAuthentication
	KindNotFound
	KindResourceExhausted
	KindDatabase
	KindInitialization
	KindCancelled
)

// String returns the wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindConfiguration:
		return "CONFIGURATION_ERROR"
	case KindAuthentication:
		return "AUTHENTICATION_ERROR"
	case KindNotFound:
		return "NOT_FOUND"
	case KindResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case KindDatabase:
		return "DATABASE_ERROR"
	case KindInitialization:
		return "INITIALIZATION_ERROR"
	case KindCancelled:
		return "CANCELLED"
	default:
		return "INTERNAL_ERROR"
	}
}

// KindError is an error tagged with a Kind and optional detail fields.
// Details must never contain credential material or SQL beyond 500 chars;
// callers truncate before attaching.
type KindError struct {
	Kind    Kind
	Message string
	Details map[string]any
	wrapped error
}

func (e *KindError) Error() string {
	if e.wrapped != nil {
		return e.Message + ": " + e.wrapped.Error()
	}
	return e.Message
}

func (e *KindError) Unwrap() error { return e.wrapped }

// NewError creates a KindError with a formatted message.
func NewError(kind Kind, format string, args ...any) *KindError {
	return &KindError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err with a kind and message. Returns nil if err is nil.
func WrapError(kind Kind, err error, format string, args ...any) *KindError {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithDetail attaches a detail field and returns the error for chaining.
func (e *KindError) WithDetail(key string, value any) *KindError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the Kind from an error chain. Unrecognized errors are
// KindInternal; context cancellation maps to KindCancelled.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// AsKindError extracts a *KindError from an error chain.
func AsKindError(err error, target **KindError) bool {
	return errors.As(err, target)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// TruncateSQL caps a SQL string for inclusion in errors and display.
func TruncateSQL(sql string) string {
	const max = 500
	if len(sql) <= max {
		return sql
	}
	return sql[:max] + "..."
}
