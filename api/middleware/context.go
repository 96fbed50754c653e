package middleware

import (
	"context"

	"github.com/angelmondragon/leadflow-backend/api/responses"
)

type contextKey string

const ctxRequestID contextKey = "request_id"

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		return v
	}
	return ""
}

// WithRequestID injects the request identifier; it doubles as the trace id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxRequestID, requestID)
	return responses.WithTraceID(ctx, requestID)
}
