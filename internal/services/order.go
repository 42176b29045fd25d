package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/oklog/ulid/v2"

	"github.com/gitshopapp/ordercore/internal/auth"
	"github.com/gitshopapp/ordercore/internal/catalog"
	"github.com/gitshopapp/ordercore/internal/inventory"
	"github.com/gitshopapp/ordercore/internal/logging"
	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/notify"
	"github.com/gitshopapp/ordercore/internal/observability"
	"github.com/gitshopapp/ordercore/internal/store"
	"github.com/gitshopapp/ordercore/internal/stripe"
)

// PaymentGateway issues synchronous commands against the processor.
type PaymentGateway interface {
	CapturePayment(ctx context.Context, paymentIntentID string) error
	CancelPayment(ctx context.Context, paymentIntentID string) error
}

type orderPricer interface {
	Compute(method models.ShippingMethod, lines []catalog.Line) catalog.Totals
}

type pendingReconciler interface {
	ReconcilePending(ctx context.Context, references ...string) (int, error)
}

type OrderService struct {
	store    store.Store
	ledger   *inventory.Ledger
	pricer   orderPricer
	notifier notify.Notifier
	payments PaymentGateway
	pending  pendingReconciler
	currency string
	logger   *slog.Logger
}

type OrderServiceDeps struct {
	Store    store.Store
	Ledger   *inventory.Ledger
	Pricer   *catalog.Pricer
	Notifier notify.Notifier
	Payments PaymentGateway
	Currency string
	Logger   *slog.Logger
}

func NewOrderService(deps OrderServiceDeps) *OrderService {
	ledger := deps.Ledger
	if ledger == nil {
		ledger = inventory.NewLedger()
	}
	pricer := deps.Pricer
	if pricer == nil {
		pricer = catalog.NewPricer()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "eur"
	}

	return &OrderService{
		store:    deps.Store,
		ledger:   ledger,
		pricer:   pricer,
		notifier: notifier,
		payments: deps.Payments,
		currency: currency,
		logger:   logger.With("component", "order_service"),
	}
}

// SetPendingReconciler installs the hook that replays unmatched processor
// events once an order carrying their reference exists.
func (s *OrderService) SetPendingReconciler(pending pendingReconciler) {
	s.pending = pending
}

func (s *OrderService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

// NewOrderNumber returns a sortable, human-quotable order number.
func NewOrderNumber() string {
	return "ORD-" + ulid.Make().String()
}

type LineItemInput struct {
	ProductID int64
	Quantity  int
	Variant   *models.VariantSelector
}

type CreateOrderInput struct {
	Items          []LineItemInput
	ShippingMethod models.ShippingMethod
	ShippingInfo   map[string]any
	CustomerEmail  string
	// CheckoutReference is the processor session or intent id, when the
	// checkout was opened before the order was submitted.
	CheckoutReference string
}

func (in CreateOrderInput) validate() error {
	if len(in.Items) == 0 {
		return fmt.Errorf("%w: order has no items", ErrInvalidInput)
	}
	for i, item := range in.Items {
		if item.ProductID <= 0 {
			return fmt.Errorf("%w: item %d: missing product id", ErrInvalidInput, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d: quantity must be positive", ErrInvalidInput, i)
		}
		if item.Variant == nil {
			return fmt.Errorf("%w: item %d: missing variant", ErrInvalidInput, i)
		}
	}
	return nil
}

// Create reserves stock for every line and persists the order in a single
// transaction. Lines are reserved in product id order so concurrent
// checkouts lock products in the same sequence.
func (s *OrderService) Create(ctx context.Context, principal auth.Principal, input CreateOrderInput) (*models.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.order.create",
		sentry.WithOpName("service.order"),
		sentry.WithDescription("Create"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)
	recordFailure := func(reason string) {
		meter.Count("order.create.failed", 1, sentry.WithAttributes(
			attribute.String("reason", reason),
		))
	}
	meter.Count("order.create.received", 1)

	if err := input.validate(); err != nil {
		recordFailure("invalid_input")
		return nil, err
	}

	lines := make([]LineItemInput, len(input.Items))
	copy(lines, input.Items)
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].ProductID < lines[j].ProductID
	})

	reference := strings.TrimSpace(input.CheckoutReference)
	method := models.NormalizeShippingMethod(string(input.ShippingMethod))
	var userID *int64
	if principal.UserID > 0 {
		id := principal.UserID
		userID = &id
	}

	var (
		result   *models.Order
		existing bool
		adopted  bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		result, existing, adopted = nil, false, false

		var target *models.Order
		if reference != "" {
			found, err := tx.FindOrderByReferenceForUpdate(ctx, reference)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				return fmt.Errorf("failed to look up checkout reference: %w", err)
			case found.Recovered && found.UserID != nil && !principal.CanAccess(found.UserID):
				return ErrForbidden
			case !found.Recovered && !principal.CanAccess(found.UserID):
				return ErrForbidden
			case !found.Recovered:
				items, err := tx.GetOrderItems(ctx, found.ID)
				if err != nil {
					return fmt.Errorf("failed to load order items: %w", err)
				}
				found.Items = items
				result, existing = found, true
				return nil
			default:
				target, adopted = found, true
			}
		}

		items := make([]models.OrderItem, 0, len(lines))
		priced := make([]catalog.Line, 0, len(lines))
		for _, line := range lines {
			product, err := s.ledger.Reserve(ctx, tx, line.ProductID, *line.Variant, line.Quantity)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("product %d: %w", line.ProductID, ErrVariantNotFound)
			}
			if err != nil {
				return err
			}
			variant := *line.Variant
			items = append(items, models.OrderItem{
				ProductID:    line.ProductID,
				Quantity:     line.Quantity,
				PriceCents:   product.PriceCents,
				Variant:      &variant,
				ReturnStatus: models.ReturnNone,
			})
			priced = append(priced, catalog.Line{UnitPriceCents: product.PriceCents, Quantity: line.Quantity})
		}
		totals := s.pricer.Compute(method, priced)

		if adopted {
			if target.TotalCents != totals.TotalCents {
				logger.Warn("recovered order amount differs from computed total",
					"order_id", target.ID,
					"paid_cents", target.TotalCents,
					"computed_cents", totals.TotalCents,
				)
			}
			if target.UserID == nil {
				target.UserID = userID
			}
			if target.CustomerEmail == "" {
				target.CustomerEmail = strings.TrimSpace(input.CustomerEmail)
			}
			if len(input.ShippingInfo) > 0 {
				target.ShippingInfo = input.ShippingInfo
			}
			target.ShippingMethod = method
			target.SubtotalCents = totals.SubtotalCents
			target.ShippingCents = totals.ShippingCents
			target.TotalCents = totals.TotalCents
			target.Recovered = false
			if err := tx.UpdateOrder(ctx, target); err != nil {
				return fmt.Errorf("failed to adopt recovered order: %w", err)
			}
		} else {
			target = &models.Order{
				OrderNumber:    NewOrderNumber(),
				UserID:         userID,
				Status:         models.StatusPending,
				PaymentStatus:  models.PaymentPending,
				SubtotalCents:  totals.SubtotalCents,
				ShippingCents:  totals.ShippingCents,
				TotalCents:     totals.TotalCents,
				Currency:       s.currency,
				ShippingMethod: method,
				ShippingInfo:   input.ShippingInfo,
				CustomerEmail:  strings.TrimSpace(input.CustomerEmail),
			}
			assignReference(target, reference)
			if err := tx.InsertOrder(ctx, target); err != nil {
				return fmt.Errorf("failed to insert order: %w", err)
			}
		}

		for i := range items {
			items[i].OrderID = target.ID
			if err := tx.InsertOrderItem(ctx, &items[i]); err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}
		target.Items = items
		result = target
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientStock):
			recordFailure("insufficient_stock")
		case errors.Is(err, ErrVariantNotFound):
			recordFailure("variant_not_found")
		case errors.Is(err, ErrForbidden):
			recordFailure("forbidden")
		default:
			recordFailure("store_error")
			logger.Error("failed to create order", "error", err)
		}
		return nil, err
	}

	if existing {
		meter.Count("order.create.idempotent", 1)
		return result, nil
	}

	logger.Info("order created",
		"order_id", result.ID,
		"order_number", result.OrderNumber,
		"total_cents", result.TotalCents,
		"adopted", adopted,
	)
	meter.Count("order.create.processed", 1, sentry.WithAttributes(
		attribute.String("adopted", strconv.FormatBool(adopted)),
	))

	s.notify(ctx, notify.TypeOrderCreated, result, "")
	if adopted && result.PaymentStatus == models.PaymentPaid {
		s.notify(ctx, notify.TypeOrderPaid, result, string(stripe.OutcomeSucceeded))
	}

	if reference != "" && s.pending != nil {
		applied, err := s.pending.ReconcilePending(ctx, reference)
		if err != nil {
			logger.Warn("failed to reconcile pending processor events", "order_id", result.ID, "error", err)
		}
		if applied > 0 {
			if fresh, err := s.load(ctx, result.ID); err == nil {
				result = fresh
			}
		}
	}

	return result, nil
}

// Get returns the order with its items.
func (s *OrderService) Get(ctx context.Context, principal auth.Principal, orderID int64) (*models.Order, error) {
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !principal.CanAccess(order.UserID) {
		return nil, ErrForbidden
	}
	return order, nil
}

// GetByReference returns the order created for a checkout reference,
// matching either the session or the payment reference.
func (s *OrderService) GetByReference(ctx context.Context, principal auth.Principal, reference string) (*models.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.order.get_by_reference",
		sentry.WithOpName("service.order"),
		sentry.WithDescription("GetByReference"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrOrderNotFound
	}

	order, err := s.loadWith(ctx, func(ctx context.Context, tx store.Tx) (*models.Order, error) {
		return tx.FindOrderByReference(ctx, reference)
	})
	if err != nil {
		return nil, err
	}
	if !principal.CanAccess(order.UserID) {
		return nil, ErrForbidden
	}
	return order, nil
}

func (s *OrderService) load(ctx context.Context, orderID int64) (*models.Order, error) {
	return s.loadWith(ctx, func(ctx context.Context, tx store.Tx) (*models.Order, error) {
		return tx.GetOrder(ctx, orderID)
	})
}

func (s *OrderService) loadWith(ctx context.Context, find func(context.Context, store.Tx) (*models.Order, error)) (*models.Order, error) {
	var order *models.Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := find(ctx, tx)
		if err != nil {
			return orderLookupError(err)
		}
		items, err := tx.GetOrderItems(ctx, found.ID)
		if err != nil {
			return fmt.Errorf("failed to load order items: %w", err)
		}
		found.Items = items
		order = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel releases the reserved stock of an order that has not shipped.
// Cancelling an already cancelled order succeeds without touching stock.
func (s *OrderService) Cancel(ctx context.Context, principal auth.Principal, orderID int64) (*models.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.order.cancel",
		sentry.WithOpName("service.order"),
		sentry.WithDescription("Cancel"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	var (
		order   *models.Order
		changed bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return orderLookupError(err)
		}
		if !principal.CanAccess(found.UserID) {
			return ErrForbidden
		}

		changed, err = s.cancelInTx(ctx, tx, found, models.CancelRequested)
		if err != nil {
			return err
		}
		if changed {
			if err := tx.UpdateOrder(ctx, found); err != nil {
				return fmt.Errorf("failed to update order: %w", err)
			}
		}
		order = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.loggerFromContext(ctx).Info("order cancelled", "order_id", order.ID, "order_number", order.OrderNumber)
		observability.Count(ctx, "order.cancelled", 1)
		s.notify(ctx, notify.TypeOrderCancelled, order, "")
	}
	return order, nil
}

// cancelInTx releases the order's stock and marks it cancelled for reason
// without writing the order row. It reports false when the order was
// already cancelled; the first reason recorded is kept.
func (s *OrderService) cancelInTx(ctx context.Context, tx store.Tx, order *models.Order, reason models.CancelReason) (bool, error) {
	switch {
	case order.Status == models.StatusCancelled:
		return false, nil
	case order.Status == models.StatusDelivered:
		return false, fmt.Errorf("%w: order %d was delivered", ErrInconsistentState, order.ID)
	case order.PaymentStatus == models.PaymentPaid:
		return false, fmt.Errorf("%w: order %d is paid and must be refunded first", ErrInconsistentState, order.ID)
	}

	if err := s.releaseItems(ctx, tx, order); err != nil {
		return false, err
	}
	order.Status = models.StatusCancelled
	order.CancelReason = reason
	return true, nil
}

func (s *OrderService) releaseItems(ctx context.Context, tx store.Tx, order *models.Order) error {
	items, err := tx.GetOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	order.Items = items

	for _, item := range items {
		if item.Variant == nil {
			continue
		}
		qty := item.Quantity - item.ReturnedQuantity
		if qty <= 0 {
			continue
		}
		err := s.ledger.Release(ctx, tx, item.ProductID, *item.Variant, qty)
		if errors.Is(err, ErrVariantNotFound) || errors.Is(err, store.ErrNotFound) {
			s.loggerFromContext(ctx).Warn("variant no longer in catalog; stock not released",
				"order_id", order.ID,
				"product_id", item.ProductID,
				"variant", item.Variant.String(),
				"quantity", qty,
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to release order item %d: %w", item.ID, err)
		}
	}
	return nil
}

// MarkDelivered moves a paid order from processing to delivered.
func (s *OrderService) MarkDelivered(ctx context.Context, principal auth.Principal, orderID int64) (*models.Order, error) {
	if !principal.IsAdmin {
		return nil, ErrForbidden
	}

	var (
		order   *models.Order
		changed bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return orderLookupError(err)
		}
		changed = false
		order = found

		if found.Status == models.StatusDelivered {
			return nil
		}
		if found.PaymentStatus != models.PaymentPaid || found.Status != models.StatusProcessing {
			return fmt.Errorf("%w: order %d is %s/%s", ErrInconsistentState, found.ID, found.Status, found.PaymentStatus)
		}

		found.Status = models.StatusDelivered
		if err := tx.UpdateOrder(ctx, found); err != nil {
			return fmt.Errorf("failed to update order: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.loggerFromContext(ctx).Info("order delivered", "order_id", order.ID)
		s.notify(ctx, notify.TypeOrderDelivered, order, "")
	}
	return order, nil
}

// CapturePayment captures an authorised payment. The order moves to paid
// when the processor confirms through the webhook feed.
func (s *OrderService) CapturePayment(ctx context.Context, principal auth.Principal, orderID int64) (*models.Order, error) {
	if !principal.IsAdmin {
		return nil, ErrForbidden
	}
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.paymentCommand(ctx, order, "capture"); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelPayment voids the processor payment and cancels the order.
func (s *OrderService) CancelPayment(ctx context.Context, principal auth.Principal, orderID int64) (*models.Order, error) {
	if !principal.IsAdmin {
		return nil, ErrForbidden
	}
	order, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == models.StatusDelivered || order.PaymentStatus == models.PaymentPaid {
		return nil, fmt.Errorf("%w: order %d is %s/%s", ErrInconsistentState, order.ID, order.Status, order.PaymentStatus)
	}
	if order.PaymentReference != "" {
		if err := s.paymentCommand(ctx, order, "cancel"); err != nil {
			return nil, err
		}
	}
	return s.Cancel(ctx, principal, orderID)
}

func (s *OrderService) paymentCommand(ctx context.Context, order *models.Order, command string) error {
	if order.PaymentReference == "" {
		return fmt.Errorf("%w: order %d has no payment reference", ErrInconsistentState, order.ID)
	}
	if s.payments == nil {
		return fmt.Errorf("%w: payment client not configured", ErrUpstreamUnavailable)
	}

	var err error
	switch command {
	case "capture":
		err = s.payments.CapturePayment(ctx, order.PaymentReference)
	case "cancel":
		err = s.payments.CancelPayment(ctx, order.PaymentReference)
	}
	if err == nil {
		return nil
	}

	s.loggerFromContext(ctx).Warn("payment command failed",
		"command", command,
		"order_id", order.ID,
		"error", err,
	)
	observability.Count(ctx, "order.payment_command.failed", 1, attribute.String("command", command))
	if errors.Is(err, stripe.ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrInconsistentState, err)
}

// applyPaymentSucceeded mutates order for a confirmed payment. The caller
// writes the order row when changed is true.
func (s *OrderService) applyPaymentSucceeded(ctx context.Context, tx store.Tx, order *models.Order) (notify.Type, bool, error) {
	switch order.Status {
	case models.StatusPending:
		order.Status = models.StatusProcessing
		order.PaymentStatus = models.PaymentPaid
		return notify.TypeOrderPaid, true, nil
	case models.StatusProcessing, models.StatusDelivered:
		return "", false, nil
	case models.StatusCancelled:
		if !order.CancelledByPaymentFailure() {
			return "", false, fmt.Errorf("%w: payment received for cancelled order %d", ErrInconsistentState, order.ID)
		}
		if err := s.reviveInTx(ctx, tx, order); err != nil {
			return "", false, err
		}
		order.CancelReason = ""
		order.Status = models.StatusProcessing
		order.PaymentStatus = models.PaymentPaid
		return notify.TypeOrderPaid, true, nil
	default:
		return "", false, fmt.Errorf("%w: unknown order status %q", ErrInconsistentState, order.Status)
	}
}

// reviveInTx re-reserves every item of an order cancelled by a failed
// payment. Any shortfall aborts the whole revival.
func (s *OrderService) reviveInTx(ctx context.Context, tx store.Tx, order *models.Order) error {
	items, err := tx.GetOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	order.Items = items

	for _, item := range items {
		if item.Variant == nil {
			continue
		}
		if _, err := s.ledger.Reserve(ctx, tx, item.ProductID, *item.Variant, item.Quantity); err != nil {
			return fmt.Errorf("%w: cannot revive order %d: %v", ErrInconsistentState, order.ID, err)
		}
	}
	return nil
}

// applyPaymentFailed mutates order for a failed payment. The caller writes
// the order row when changed is true.
func (s *OrderService) applyPaymentFailed(ctx context.Context, tx store.Tx, order *models.Order) (notify.Type, bool, error) {
	switch order.Status {
	case models.StatusPending:
		if _, err := s.cancelInTx(ctx, tx, order, models.CancelPaymentFailed); err != nil {
			return "", false, err
		}
		order.PaymentStatus = models.PaymentFailed
		return notify.TypePaymentFailed, true, nil
	case models.StatusCancelled:
		if order.PaymentStatus == models.PaymentPending {
			order.PaymentStatus = models.PaymentFailed
			return "", true, nil
		}
		return "", false, nil
	default:
		if order.IsPaid() {
			return "", false, fmt.Errorf("%w: payment failure for paid order %d", ErrInconsistentState, order.ID)
		}
		return "", false, fmt.Errorf("%w: payment failure for %s order %d", ErrInconsistentState, order.Status, order.ID)
	}
}

func (s *OrderService) notify(ctx context.Context, typ notify.Type, order *models.Order, outcome string) {
	if order == nil {
		return
	}
	notification := notify.Notification{
		Type:           typ,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		RecipientEmail: order.CustomerEmail,
		TotalCents:     order.TotalCents,
		Currency:       order.Currency,
		PaymentOutcome: outcome,
		OccurredAt:     time.Now().UTC(),
	}
	if err := s.notifier.Notify(ctx, notification); err != nil {
		s.loggerFromContext(ctx).Warn("failed to send order notification",
			"type", typ,
			"order_id", order.ID,
			"error", err,
		)
		observability.Count(ctx, "order.notification.failed", 1, attribute.String("type", string(typ)))
	}
}

// assignReference stores a checkout reference in the column matching its
// kind: checkout sessions carry a cs_ prefix, everything else is treated as
// a payment intent.
func assignReference(order *models.Order, reference string) {
	switch {
	case reference == "":
	case strings.HasPrefix(reference, "cs_"):
		order.StripeSessionID = reference
	default:
		order.PaymentReference = reference
	}
}

func orderLookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrOrderNotFound
	}
	return fmt.Errorf("failed to load order: %w", err)
}
