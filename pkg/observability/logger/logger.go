// Package logger defines the structured logging contract shared by the lock engine,
// the store adapters and the jobs runtime.
package logger

import (
	"context"
)

// Logger defines the interface for structured logging.
// All log methods accept a message string followed by key-value pairs for structured fields.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info-level message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning-level message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error-level message with optional key-value pairs
	Error(msg string, args ...any)

	// With creates a child logger with additional key-value pairs that will be
	// included in all subsequent log entries
	With(args ...any) Logger

	// WithContext creates a child logger carrying the job identifiers stored in ctx
	WithContext(ctx context.Context) Logger
}

type contextKey string

const (
	jobIDContextKey    contextKey = "job_id"
	lockResourceCtxKey contextKey = "lock_resource"
)

// ContextWithJobID stores the id of the job being processed.
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, jobIDContextKey, jobID)
}

// ContextWithLockResource stores the lock resource guarding the current work.
func ContextWithLockResource(ctx context.Context, resource string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, lockResourceCtxKey, resource)
}

func contextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var fields []any
	if jobID, ok := ctx.Value(jobIDContextKey).(string); ok && jobID != "" {
		fields = append(fields, "job_id", jobID)
	}
	if resource, ok := ctx.Value(lockResourceCtxKey).(string); ok && resource != "" {
		fields = append(fields, "lock_resource", resource)
	}
	return fields
}
