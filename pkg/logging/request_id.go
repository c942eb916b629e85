package logging

import (
	"context"

	"github.com/google/uuid"
)

// GetRequestIDFromCtx returns "" outside of a request.
func GetRequestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func MakeContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// MakeContextWithNewRequestID tags ctx with a fresh random id. FUSE requests
// and HTTP calls without an X-Request-ID header get one.
func MakeContextWithNewRequestID(ctx context.Context) context.Context {
	return MakeContextWithRequestID(ctx, uuid.NewString())
}
