package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/ordercore/internal/logging"
	"github.com/gitshopapp/ordercore/internal/observability"
	"github.com/gitshopapp/ordercore/internal/services"
)

// StripeEventRouter hands verified Stripe events to the reconciler.
type StripeEventRouter struct {
	reconciler *services.Reconciler
	logger     *slog.Logger
}

func NewStripeEventRouter(reconciler *services.Reconciler, logger *slog.Logger) *StripeEventRouter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StripeEventRouter{
		reconciler: reconciler,
		logger:     logger,
	}
}

// Handle returns an error only when the event could not be logged. Any
// later failure is recorded on the event and acknowledged.
func (r *StripeEventRouter) Handle(ctx context.Context, event *stripeapi.Event) (services.Result, error) {
	span := sentry.StartSpan(
		ctx,
		"handler.stripe_router.handle",
		sentry.WithOpName("handler.stripe_router"),
		sentry.WithDescription("StripeEventRouter.Handle"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	meter := observability.MeterFromContext(ctx)
	meter.SetAttributes(attribute.String("webhook.provider", "stripe"))
	meter.Count("webhook.router.received", 1)
	recordFailed := func(reason string) {
		meter.Count("webhook.router.failed", 1, sentry.WithAttributes(attribute.String("reason", reason)))
	}

	if event == nil {
		recordFailed("missing_event")
		span.Status = sentry.SpanStatusInvalidArgument
		return services.Result{}, fmt.Errorf("missing stripe event")
	}
	if event.Data == nil {
		recordFailed("missing_event_data")
		span.Status = sentry.SpanStatusInvalidArgument
		return services.Result{}, fmt.Errorf("missing stripe event data")
	}
	meter.SetAttributes(attribute.String("webhook.event_type", string(event.Type)))

	res, err := r.reconciler.HandleEvent(ctx, event)
	if err != nil {
		recordFailed("event_log_failed")
		span.Status = sentry.SpanStatusInternalError
		return services.Result{}, err
	}

	logger := logging.FromContext(ctx, r.logger)
	logger.Info("stripe event handled",
		"event_id", event.ID,
		"type", event.Type,
		"outcome", res.Outcome,
		"strategy", res.Strategy,
	)
	meter.Count("webhook.router.processed", 1, sentry.WithAttributes(attribute.String("outcome", string(res.Outcome))))
	span.Status = sentry.SpanStatusOK
	return res, nil
}

// Replay re-runs a logged event.
func (r *StripeEventRouter) Replay(ctx context.Context, eventID string) (services.Result, error) {
	return r.reconciler.Replay(ctx, eventID)
}
