package log

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type correlationIDType int

const (
	sessionIDKey correlationIDType = iota
	sessionFieldsKey
)

// WithSessionID returns a context which knows its session ID.
// A session ID tracks a single logical thread of execution, such as a single
// sync session with a peer, possibly spanning multiple goroutines.
// Optional fields are added to the contextual logs along with the ID.
func WithSessionID(ctx context.Context, sessionID string, fields ...zap.Field) context.Context {
	ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	if len(fields) > 0 {
		ctx = context.WithValue(ctx, sessionFieldsKey, fields)
	}
	return ctx
}

// WithNewSessionID does the same thing as WithSessionID but generates a new, random
// session ID.
func WithNewSessionID(ctx context.Context, fields ...zap.Field) context.Context {
	return WithSessionID(ctx, uuid.NewString(), fields...)
}

// ExtractSessionID extracts the session id from a context object.
func ExtractSessionID(ctx context.Context) (string, bool) {
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id, true
	}
	return "", false
}

// ZContext returns a zap field holding the session ID and the associated fields
// stored in the context, if any.
func ZContext(ctx context.Context) zap.Field {
	id, ok := ExtractSessionID(ctx)
	if !ok {
		return zap.Skip()
	}
	fields, _ := ctx.Value(sessionFieldsKey).([]zap.Field)
	if len(fields) == 0 {
		return zap.String("session_id", id)
	}
	return zap.Dict("session", append([]zap.Field{zap.String("id", id)}, fields...)...)
}
