// Package logger provides the structured logging contract used by every chatstream component.
package logger

import (
	"context"
)

// Logger defines the interface for structured logging throughout chatstream.
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

	// WithContext creates a child logger carrying the room and user found on ctx
	WithContext(ctx context.Context) Logger
}

type contextKey int

const (
	roomKey contextKey = iota
	userKey
)

// ContextWithRoom returns a copy of ctx carrying the room id for log enrichment.
func ContextWithRoom(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, roomKey, roomID)
}

// ContextWithUser returns a copy of ctx carrying the user id for log enrichment.
func ContextWithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

func contextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var fields []any
	if room, ok := ctx.Value(roomKey).(string); ok && room != "" {
		fields = append(fields, "room_id", room)
	}
	if user, ok := ctx.Value(userKey).(string); ok && user != "" {
		fields = append(fields, "user_id", user)
	}
	return fields
}

// OrNop returns log, or a silent logger when log is nil.
func OrNop(log Logger) Logger {
	if log == nil {
		return NewNop()
	}
	return log
}
