package xrelay

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey namespaces the values a worker attaches to processor contexts.
type ctxKey uint8

const (
	codecKey ctxKey = iota + 1
	loggerKey
	clockKey
	metaKey
)

func withValue[T comparable](ctx context.Context, k ctxKey, v T) context.Context {
	var zero T
	if v == zero {
		return ctx
	}
	return context.WithValue(ctx, k, v)
}

func valueOf[T comparable](ctx context.Context, k ctxKey) (T, bool) {
	v, ok := ctx.Value(k).(T)
	var zero T
	return v, ok && v != zero
}

// CodecFromContext returns the codec of the worker running the processor.
func CodecFromContext(ctx context.Context) (Codec, bool) { return valueOf[Codec](ctx, codecKey) }

// LoggerFromContext returns the worker logger, already tagged with the
// envelope id, origin and correlation id.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	return valueOf[*xlog.Logger](ctx, loggerKey)
}

// ClockFromContext returns the worker clock.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	return valueOf[xclock.Clock](ctx, clockKey)
}

// MetaFromContext returns the reply routing of the envelope being processed.
func MetaFromContext(ctx context.Context) (Meta, bool) {
	m, ok := ctx.Value(metaKey).(Meta)
	return m, ok
}

// InjectAll attaches codec, logger and clock; nil values are skipped.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = withValue(ctx, codecKey, codec)
	ctx = withValue(ctx, loggerKey, logger)
	return withValue(ctx, clockKey, clock)
}

func injectMeta(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey, m)
}
