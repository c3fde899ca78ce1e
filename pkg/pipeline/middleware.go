package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/types"
)

// Recover turns a handler panic into an INTERNAL error
func Recover(log *logger.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg *types.BrokeredMessage) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					if log != nil {
						log.Error("Handler panicked", "message_id", msg.ID, "panic", r, "stack", string(debug.Stack()))
					}
					result = nil
					err = types.NewError(types.ErrCodeInternal, fmt.Sprintf("handler panicked: %v", r))
				}
			}()
			return next.Handle(ctx, msg)
		})
	}
}

// RequireBearer rejects messages without a bearer token. When verify is set
// it must also accept the token.
func RequireBearer(verify func(token string) bool) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg *types.BrokeredMessage) (any, error) {
			if msg.BearerToken == "" {
				return nil, types.NewError(types.ErrCodePermissionDenied, "bearer token required")
			}
			if verify != nil && !verify(msg.BearerToken) {
				return nil, types.NewError(types.ErrCodePermissionDenied, "bearer token rejected")
			}
			return next.Handle(ctx, msg)
		})
	}
}

// Logging logs each handled message at debug level
func Logging(log *logger.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, msg *types.BrokeredMessage) (any, error) {
			start := time.Now()
			result, err := next.Handle(ctx, msg)
			log.DebugCtx(ctx, "Message handled",
				"message_id", msg.ID,
				"content_type", fmt.Sprintf("%T", msg.Content),
				"duration", time.Since(start),
				"error", err)
			return result, err
		})
	}
}
