// Package observability holds the Sentry meter and tracing glue shared by
// the HTTP layer and the order services.
package observability

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
)

type meterKey struct{}

// WithMeter stores meter in ctx. A nil meter is replaced by a fresh one.
func WithMeter(ctx context.Context, meter sentry.Meter) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if meter == nil {
		meter = sentry.NewMeter(ctx)
	}
	return context.WithValue(ctx, meterKey{}, meter)
}

// MeterFromContext returns the meter stored in ctx bound to ctx, so counts
// inherit the request attributes and the active span.
func MeterFromContext(ctx context.Context) sentry.Meter {
	if ctx == nil {
		ctx = context.Background()
	}
	meter, ok := ctx.Value(meterKey{}).(sentry.Meter)
	if !ok || meter == nil {
		meter = sentry.NewMeter(ctx)
	}
	return meter.WithCtx(ctx)
}

// Count increments a counter on the context meter.
func Count(ctx context.Context, name string, n int64, attrs ...attribute.Builder) {
	if n == 0 {
		return
	}
	meter := MeterFromContext(ctx)
	if len(attrs) == 0 {
		meter.Count(name, n)
		return
	}
	meter.Count(name, n, sentry.WithAttributes(attrs...))
}
