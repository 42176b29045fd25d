package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	stripeapi "github.com/stripe/stripe-go/v84"

	"github.com/gitshopapp/ordercore/internal/logging"
	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/notify"
	"github.com/gitshopapp/ordercore/internal/observability"
	"github.com/gitshopapp/ordercore/internal/store"
	"github.com/gitshopapp/ordercore/internal/stripe"
)

const (
	strategyMetadata   = "metadata"
	strategyReference  = "reference"
	strategyRecentScan = "recent_scan"
	strategyRecovery   = "recovery"

	defaultRecentScanLimit = 50
)

// Reconciler applies processor payment events to local orders. Events may
// arrive duplicated, out of order, or before the order they pay for exists.
type Reconciler struct {
	store     store.Store
	events    *EventLog
	orders    *OrderService
	scanLimit int
	logger    *slog.Logger
}

func NewReconciler(store store.Store, events *EventLog, orders *OrderService, scanLimit int, logger *slog.Logger) *Reconciler {
	if events == nil {
		events = NewEventLog(store)
	}
	if scanLimit <= 0 {
		scanLimit = defaultRecentScanLimit
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		store:     store,
		events:    events,
		orders:    orders,
		scanLimit: scanLimit,
		logger:    logger.With("component", "reconciler"),
	}
}

func (r *Reconciler) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, r.logger)
}

// Result describes what one processing pass did with an event.
type Result struct {
	Outcome  models.EventOutcome `json:"outcome"`
	OrderID  *int64              `json:"order_id,omitempty"`
	Strategy string              `json:"strategy,omitempty"`
	Err      error               `json:"-"`
}

// HandleEvent processes a verified webhook event. The returned error is
// non-nil only when the event could not be logged; everything after that is
// recorded as an attempt and acknowledged.
func (r *Reconciler) HandleEvent(ctx context.Context, event *stripeapi.Event) (Result, error) {
	if event == nil || event.Data == nil {
		return Result{}, fmt.Errorf("missing stripe event data")
	}
	return r.Ingest(ctx, event.ID, string(event.Type), event.Data.Raw)
}

// Ingest logs and processes a raw processor event.
func (r *Reconciler) Ingest(ctx context.Context, eventID, eventType string, object json.RawMessage) (Result, error) {
	logger := r.loggerFromContext(ctx).With("event_id", eventID, "event_type", eventType)
	meter := observability.MeterFromContext(ctx)
	meter.Count("reconciler.event.received", 1)

	if strings.TrimSpace(eventID) == "" {
		return Result{}, fmt.Errorf("missing stripe event id")
	}

	ev, parseErr := stripe.ParseEvent(eventID, eventType, object)
	record := &models.ProcessorEvent{
		EventID:     eventID,
		EventType:   eventType,
		Reference:   ev.PrimaryReference(),
		OrderNumber: ev.Metadata.OrderNumber,
		Payload:     object,
	}

	err := r.events.Append(ctx, record)
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		latest, lookupErr := r.events.Get(ctx, eventID)
		if lookupErr == nil && latest.LatestOutcome().Settled() {
			logger.Info("duplicate processor event", "previous_outcome", latest.LatestOutcome())
			res := Result{Outcome: models.OutcomeDuplicate}
			r.recordAttempt(ctx, eventID, res)
			return res, nil
		}
		logger.Info("reprocessing unsettled processor event")
	case err != nil:
		meter.Count("reconciler.event.failed", 1, sentry.WithAttributes(attribute.String("reason", "append_failed")))
		return Result{}, err
	}

	if parseErr != nil {
		res := Result{Outcome: models.OutcomeFailed, Err: parseErr}
		if errors.Is(parseErr, stripe.ErrUnsupportedEvent) {
			res = Result{Outcome: models.OutcomeIgnored}
			logger.Info("unhandled processor event type")
		} else {
			logger.Warn("failed to parse processor event", "error", parseErr)
		}
		r.recordAttempt(ctx, eventID, res)
		return res, nil
	}

	return r.process(ctx, ev), nil
}

// Replay re-processes a logged event from its stored payload.
func (r *Reconciler) Replay(ctx context.Context, eventID string) (Result, error) {
	logged, err := r.events.Get(ctx, eventID)
	if err != nil {
		return Result{}, err
	}
	ev, err := stripe.ParseEvent(logged.EventID, logged.EventType, logged.Payload)
	if err != nil {
		res := Result{Outcome: models.OutcomeIgnored}
		if !errors.Is(err, stripe.ErrUnsupportedEvent) {
			res = Result{Outcome: models.OutcomeFailed, Err: err}
		}
		r.recordAttempt(ctx, eventID, res)
		return res, nil
	}
	return r.process(ctx, ev), nil
}

// ReconcilePending re-applies events that arrived before an order carrying
// one of the references existed. It returns how many events changed state.
func (r *Reconciler) ReconcilePending(ctx context.Context, references ...string) (int, error) {
	pending, err := r.events.Unmatched(ctx, references)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, logged := range pending {
		ev, err := stripe.ParseEvent(logged.EventID, logged.EventType, logged.Payload)
		if err != nil {
			r.loggerFromContext(ctx).Warn("skipping unparseable pending event", "event_id", logged.EventID, "error", err)
			continue
		}
		res := r.process(ctx, ev)
		if res.Outcome == models.OutcomeApplied || res.Outcome == models.OutcomeRecovered {
			applied++
		}
	}
	return applied, nil
}

func (r *Reconciler) process(ctx context.Context, ev stripe.PaymentEvent) Result {
	span := sentry.StartSpan(
		ctx,
		"service.reconciler.process",
		sentry.WithOpName("service.reconciler"),
		sentry.WithDescription(ev.Type),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := r.loggerFromContext(ctx).With("event_id", ev.ID, "event_type", ev.Type)
	meter := observability.MeterFromContext(ctx)

	res := r.apply(ctx, ev)

	if res.Err != nil {
		if res.Outcome == models.OutcomeInconsistent {
			logger.Warn("processor event conflicts with order state", "order_id", res.OrderID, "error", res.Err)
		} else {
			logger.Error("failed to apply processor event", "error", res.Err)
		}
		span.Status = sentry.SpanStatusInternalError
	} else {
		logger.Info("processor event reconciled",
			"outcome", res.Outcome,
			"strategy", res.Strategy,
			"order_id", res.OrderID,
		)
		span.Status = sentry.SpanStatusOK
	}
	meter.Count("reconciler.event.processed", 1, sentry.WithAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.String("strategy", res.Strategy),
	))

	r.recordAttempt(ctx, ev.ID, res)
	return res
}

func (r *Reconciler) apply(ctx context.Context, ev stripe.PaymentEvent) Result {
	if ev.Outcome == stripe.OutcomePending {
		return Result{Outcome: models.OutcomeIgnored}
	}

	var (
		res        Result
		transition notify.Type
		snapshot   *models.Order
	)
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, transition, snapshot = Result{}, "", nil

		order, strategy, err := firstMatch(ctx, tx, ev, r.resolvers())
		if err != nil {
			return err
		}

		if order == nil {
			if ev.Outcome != stripe.OutcomeSucceeded {
				res.Outcome = models.OutcomeUnmatched
				return nil
			}
			recovered, err := r.recoverOrder(ctx, tx, ev)
			if err != nil {
				return err
			}
			res = Result{Outcome: models.OutcomeRecovered, OrderID: &recovered.ID, Strategy: strategyRecovery}
			transition, snapshot = notify.TypeOrderPaid, recovered
			return nil
		}

		res.OrderID, res.Strategy = &order.ID, strategy
		backfilled := backfillReferences(order, ev)

		var changed bool
		switch ev.Outcome {
		case stripe.OutcomeSucceeded:
			transition, changed, err = r.orders.applyPaymentSucceeded(ctx, tx, order)
		case stripe.OutcomeFailed:
			transition, changed, err = r.orders.applyPaymentFailed(ctx, tx, order)
		}
		if err != nil {
			return err
		}
		if changed || backfilled {
			if err := tx.UpdateOrder(ctx, order); err != nil {
				return fmt.Errorf("failed to update order: %w", err)
			}
		}
		res.Outcome = models.OutcomeApplied
		snapshot = order
		return nil
	})
	if err != nil {
		orderID, strategy := res.OrderID, res.Strategy
		if errors.Is(err, ErrInconsistentState) {
			return Result{Outcome: models.OutcomeInconsistent, OrderID: orderID, Strategy: strategy, Err: err}
		}
		return Result{Outcome: models.OutcomeFailed, OrderID: orderID, Strategy: strategy, Err: err}
	}

	if snapshot != nil && snapshot.UserID == nil {
		email := ev.CustomerEmail
		if email == "" {
			email = snapshot.CustomerEmail
		}
		r.backfillUser(ctx, snapshot.ID, email)
	}

	if transition != "" {
		r.orders.notify(ctx, transition, snapshot, string(ev.Outcome))
	}
	return res
}

// backfillUser links an order to a known user by email. A miss is not an
// error.
func (r *Reconciler) backfillUser(ctx context.Context, orderID int64, email string) {
	email = strings.TrimSpace(email)
	if email == "" {
		return
	}
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != nil {
			return nil
		}
		userID, err := tx.FindUserIDByEmail(ctx, email)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		order.UserID = &userID
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		r.loggerFromContext(ctx).Warn("failed to backfill order user", "order_id", orderID, "error", err)
	}
}

func (r *Reconciler) recordAttempt(ctx context.Context, eventID string, res Result) {
	attempt := &models.EventAttempt{
		EventID:     eventID,
		AttemptedAt: time.Now().UTC(),
		Outcome:     res.Outcome,
		OrderID:     res.OrderID,
		Strategy:    res.Strategy,
	}
	if res.Err != nil {
		attempt.Error = res.Err.Error()
	}
	if err := r.events.RecordAttempt(ctx, attempt); err != nil {
		r.loggerFromContext(ctx).Error("failed to record event attempt", "event_id", eventID, "error", err)
	}
}

// recoverOrder creates the paid order a lost create should have produced.
// It carries no items until a create with the same checkout reference
// adopts it.
func (r *Reconciler) recoverOrder(ctx context.Context, tx store.Tx, ev stripe.PaymentEvent) (*models.Order, error) {
	number := ev.Metadata.OrderNumber
	if number == "" {
		number = NewOrderNumber()
	}
	currency := ev.Currency
	if currency == "" {
		currency = r.orders.currency
	}
	shippingInfo := ev.Metadata.ShippingInfo
	if len(shippingInfo) == 0 && len(ev.ShippingAddress) > 0 {
		shippingInfo = map[string]any{"address": ev.ShippingAddress}
		if ev.CustomerName != "" {
			shippingInfo["name"] = ev.CustomerName
		}
	}

	order := &models.Order{
		OrderNumber:      number,
		UserID:           ev.Metadata.UserID,
		Status:           models.StatusProcessing,
		PaymentStatus:    models.PaymentPaid,
		TotalCents:       ev.AmountCents,
		Currency:         currency,
		ShippingMethod:   models.NormalizeShippingMethod(ev.Metadata.ShippingMethod),
		ShippingInfo:     shippingInfo,
		CustomerEmail:    ev.CustomerEmail,
		StripeSessionID:  ev.SessionID,
		PaymentReference: ev.PaymentIntentID,
		Recovered:        true,
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to insert recovered order: %w", err)
	}
	r.loggerFromContext(ctx).Warn("recovered order from payment event",
		"order_id", order.ID,
		"order_number", order.OrderNumber,
		"amount_cents", order.TotalCents,
	)
	return order, nil
}

type orderResolver struct {
	name    string
	resolve func(ctx context.Context, tx store.Tx, ev stripe.PaymentEvent) (*models.Order, bool, error)
}

func (r *Reconciler) resolvers() []orderResolver {
	return []orderResolver{
		{name: strategyMetadata, resolve: resolveByMetadata},
		{name: strategyReference, resolve: resolveByReference},
		{name: strategyRecentScan, resolve: r.resolveByRecentScan},
	}
}

// firstMatch runs the resolvers in order and stops at the first hit.
func firstMatch(ctx context.Context, tx store.Tx, ev stripe.PaymentEvent, chain []orderResolver) (*models.Order, string, error) {
	for _, resolver := range chain {
		order, ok, err := resolver.resolve(ctx, tx, ev)
		if err != nil {
			return nil, "", fmt.Errorf("%s resolver: %w", resolver.name, err)
		}
		if ok {
			return order, resolver.name, nil
		}
	}
	return nil, "", nil
}

func resolveByMetadata(ctx context.Context, tx store.Tx, ev stripe.PaymentEvent) (*models.Order, bool, error) {
	lookups := make([]func() (*models.Order, error), 0, 3)
	if ev.Metadata.OrderID > 0 {
		lookups = append(lookups, func() (*models.Order, error) {
			return tx.GetOrderForUpdate(ctx, ev.Metadata.OrderID)
		})
	}
	if ev.Metadata.OrderNumber != "" {
		lookups = append(lookups, func() (*models.Order, error) {
			return tx.FindOrderByNumberForUpdate(ctx, ev.Metadata.OrderNumber)
		})
	}
	if id, err := strconv.ParseInt(strings.TrimSpace(ev.ClientReferenceID), 10, 64); err == nil && id > 0 {
		lookups = append(lookups, func() (*models.Order, error) {
			return tx.GetOrderForUpdate(ctx, id)
		})
	}

	for _, lookup := range lookups {
		order, ok, err := found(lookup())
		if err != nil {
			return nil, false, err
		}
		if ok && !referencesConflict(order, ev) {
			return order, true, nil
		}
	}
	return nil, false, nil
}

func resolveByReference(ctx context.Context, tx store.Tx, ev stripe.PaymentEvent) (*models.Order, bool, error) {
	for _, ref := range ev.References() {
		order, ok, err := found(tx.FindOrderByReferenceForUpdate(ctx, ref))
		if err != nil || ok {
			return order, ok, err
		}
	}
	return nil, false, nil
}

// resolveByRecentScan matches a pending order by customer email and amount.
// The scan reads without locks; only the unique candidate is locked and
// checked again. An ambiguous scan matches nothing.
func (r *Reconciler) resolveByRecentScan(ctx context.Context, tx store.Tx, ev stripe.PaymentEvent) (*models.Order, bool, error) {
	email := strings.TrimSpace(ev.CustomerEmail)
	if email == "" || ev.AmountCents <= 0 {
		return nil, false, nil
	}

	orders, err := tx.ListPendingOrders(ctx, r.scanLimit)
	if err != nil {
		return nil, false, err
	}

	var candidate *models.Order
	for _, order := range orders {
		if !scanMatches(order, ev, email) {
			continue
		}
		if candidate != nil {
			r.loggerFromContext(ctx).Warn("recent order scan is ambiguous", "event_id", ev.ID, "email", email)
			return nil, false, nil
		}
		candidate = order
	}
	if candidate == nil {
		return nil, false, nil
	}

	locked, err := tx.GetOrderForUpdate(ctx, candidate.ID)
	if err != nil {
		return nil, false, err
	}
	if !scanMatches(locked, ev, email) {
		r.loggerFromContext(ctx).Info("recent order scan candidate changed", "event_id", ev.ID, "order_id", locked.ID)
		return nil, false, nil
	}
	return locked, true, nil
}

func scanMatches(order *models.Order, ev stripe.PaymentEvent, email string) bool {
	return order.Status == models.StatusPending &&
		strings.EqualFold(order.CustomerEmail, email) &&
		order.TotalCents == ev.AmountCents &&
		!referencesConflict(order, ev)
}

// referencesConflict reports whether the order is already correlated with a
// different checkout or payment than the event.
func referencesConflict(order *models.Order, ev stripe.PaymentEvent) bool {
	if order.StripeSessionID != "" && ev.SessionID != "" && order.StripeSessionID != ev.SessionID {
		return true
	}
	return order.PaymentReference != "" && ev.PaymentIntentID != "" && order.PaymentReference != ev.PaymentIntentID
}

func backfillReferences(order *models.Order, ev stripe.PaymentEvent) bool {
	changed := false
	if order.StripeSessionID == "" && ev.SessionID != "" {
		order.StripeSessionID = ev.SessionID
		changed = true
	}
	if order.PaymentReference == "" && ev.PaymentIntentID != "" {
		order.PaymentReference = ev.PaymentIntentID
		changed = true
	}
	if order.CustomerEmail == "" && ev.CustomerEmail != "" {
		order.CustomerEmail = ev.CustomerEmail
		changed = true
	}
	return changed
}

func found(order *models.Order, err error) (*models.Order, bool, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return order, true, nil
}
