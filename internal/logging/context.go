package logging

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Detach returns a context that survives cancellation of parent but carries
// its own deadline. Cleanup after a cancelled request (removing the
// provisional message, persisting the reply) runs under it.
func Detach(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}

// WithRequest attaches a logger tagged with the request's routing fields.
func WithRequest(ctx context.Context, surface, conversationKey, userID string) context.Context {
	l := FromContext(ctx).With().
		Str("surface", surface).
		Str("conversation", conversationKey).
		Str("user", userID).
		Logger()
	return l.WithContext(ctx)
}

// FromContext returns the logger attached to ctx, or the global logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
