package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx retrieves the logger from the context, falling back to the global one.
func Ctx(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
			return l
		}
	}
	return L()
}

// WithField derives a child logger carrying key=value and stores it in ctx.
func WithField(ctx context.Context, key, value string) context.Context {
	l := Ctx(ctx)
	return WithLogger(ctx, l.With().Str(key, value).Logger())
}

// WithConnection scopes the context logger to one websocket connection.
func WithConnection(ctx context.Context, connectionID string) context.Context {
	return WithField(ctx, FieldConnectionID, connectionID)
}

// WithIdentity scopes the context logger to an authenticated identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return WithField(ctx, FieldIdentity, identity)
}

// WithConversation scopes the context logger to a conversation.
func WithConversation(ctx context.Context, key string) context.Context {
	return WithField(ctx, FieldConversationKey, key)
}
