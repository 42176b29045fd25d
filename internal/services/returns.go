package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/ordercore/internal/auth"
	"github.com/gitshopapp/ordercore/internal/inventory"
	"github.com/gitshopapp/ordercore/internal/logging"
	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/notify"
	"github.com/gitshopapp/ordercore/internal/observability"
	"github.com/gitshopapp/ordercore/internal/store"
)

// ReturnService runs the post-delivery return and refund workflow.
type ReturnService struct {
	store  store.Store
	ledger *inventory.Ledger
	orders *OrderService
	logger *slog.Logger
}

func NewReturnService(store store.Store, ledger *inventory.Ledger, orders *OrderService, logger *slog.Logger) *ReturnService {
	if ledger == nil {
		ledger = inventory.NewLedger()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ReturnService{
		store:  store,
		ledger: ledger,
		orders: orders,
		logger: logger.With("component", "return_service"),
	}
}

func (s *ReturnService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

type ReturnRequestItem struct {
	OrderItemID int64
	Quantity    int
	Reason      string
}

type ReturnDecision struct {
	OrderItemID  int64
	Approved     bool
	AdminComment string
}

// RequestReturn marks items of a delivered order for return. Either every
// requested item is accepted or none is.
func (s *ReturnService) RequestReturn(ctx context.Context, principal auth.Principal, orderID int64, requests []ReturnRequestItem) (*models.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.return.request",
		sentry.WithOpName("service.return"),
		sentry.WithDescription("RequestReturn"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: no items to return", ErrInvalidInput)
	}

	var order *models.Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return orderLookupError(err)
		}
		if !principal.CanAccess(found.UserID) {
			return ErrForbidden
		}
		if found.Status != models.StatusDelivered {
			return ErrOrderNotDelivered
		}

		items, err := tx.GetOrderItems(ctx, found.ID)
		if err != nil {
			return fmt.Errorf("failed to load order items: %w", err)
		}
		index := indexItems(items)

		seen := make(map[int64]struct{}, len(requests))
		for _, req := range requests {
			if _, dup := seen[req.OrderItemID]; dup {
				return fmt.Errorf("%w: item %d listed twice", ErrInvalidInput, req.OrderItemID)
			}
			seen[req.OrderItemID] = struct{}{}

			i, ok := index[req.OrderItemID]
			if !ok {
				return fmt.Errorf("%w: item %d is not part of order %d", ErrInvalidInput, req.OrderItemID, found.ID)
			}
			item := &items[i]
			if req.Quantity <= 0 {
				return fmt.Errorf("%w: item %d: quantity must be positive", ErrInvalidInput, item.ID)
			}
			if item.ReturnStatus == models.ReturnRequested {
				return fmt.Errorf("%w: item %d already has a pending return", ErrInconsistentState, item.ID)
			}
			if req.Quantity > item.ReturnableQuantity() {
				return fmt.Errorf("item %d: requested %d, returnable %d: %w",
					item.ID, req.Quantity, item.ReturnableQuantity(), ErrExceedsPurchasedQuantity)
			}

			item.ReturnStatus = models.ReturnRequested
			item.ReturnQuantity = req.Quantity
			item.ReturnReason = strings.TrimSpace(req.Reason)
			if err := tx.UpdateOrderItem(ctx, item); err != nil {
				return fmt.Errorf("failed to update order item: %w", err)
			}
		}

		found.Items = items
		order = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.loggerFromContext(ctx).Info("return requested", "order_id", order.ID, "items", len(requests))
	observability.Count(ctx, "order.return.requested", int64(len(requests)))
	return order, nil
}

// ValidateReturn applies admin decisions to requested returns. Approved
// quantities go back into stock.
func (s *ReturnService) ValidateReturn(ctx context.Context, principal auth.Principal, orderID int64, decisions []ReturnDecision) (*models.Order, error) {
	span := sentry.StartSpan(
		ctx,
		"service.return.validate",
		sentry.WithOpName("service.return"),
		sentry.WithDescription("ValidateReturn"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	if !principal.IsAdmin {
		return nil, ErrForbidden
	}
	if len(decisions) == 0 {
		return nil, fmt.Errorf("%w: no return decisions", ErrInvalidInput)
	}

	var (
		order             *models.Order
		approved, refused int
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		approved, refused = 0, 0

		found, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return orderLookupError(err)
		}
		items, err := tx.GetOrderItems(ctx, found.ID)
		if err != nil {
			return fmt.Errorf("failed to load order items: %w", err)
		}
		index := indexItems(items)

		for _, decision := range decisions {
			i, ok := index[decision.OrderItemID]
			if !ok {
				return fmt.Errorf("%w: item %d is not part of order %d", ErrInvalidInput, decision.OrderItemID, found.ID)
			}
			item := &items[i]
			if item.ReturnStatus != models.ReturnRequested {
				return fmt.Errorf("%w: item %d has no pending return", ErrInconsistentState, item.ID)
			}

			item.AdminComment = strings.TrimSpace(decision.AdminComment)
			if decision.Approved {
				if item.Variant != nil && item.ReturnQuantity > 0 {
					if err := s.ledger.Release(ctx, tx, item.ProductID, *item.Variant, item.ReturnQuantity); err != nil {
						return fmt.Errorf("failed to restock item %d: %w", item.ID, err)
					}
				}
				item.ReturnStatus = models.ReturnApproved
				item.ReturnedQuantity += item.ReturnQuantity
				approved++
			} else {
				item.ReturnStatus = models.ReturnRejected
				refused++
			}
			if err := tx.UpdateOrderItem(ctx, item); err != nil {
				return fmt.Errorf("failed to update order item: %w", err)
			}
		}

		found.Items = items
		order = found
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.loggerFromContext(ctx).Info("return validated",
		"order_id", order.ID,
		"approved", approved,
		"rejected", refused,
	)
	if approved > 0 {
		observability.Count(ctx, "order.return.decided", int64(approved), attribute.String("decision", "approved"))
		s.orders.notify(ctx, notify.TypeReturnApproved, order, "")
	}
	if refused > 0 {
		observability.Count(ctx, "order.return.decided", int64(refused), attribute.String("decision", "rejected"))
		s.orders.notify(ctx, notify.TypeReturnRejected, order, "")
	}
	return order, nil
}

// MarkRefunded records the processor refund for a paid order. Repeating the
// call with the same refund id is a no-op.
func (s *ReturnService) MarkRefunded(ctx context.Context, principal auth.Principal, orderID int64, refundID, comment string) (*models.Order, error) {
	if !principal.IsAdmin {
		return nil, ErrForbidden
	}
	refundID = strings.TrimSpace(refundID)
	if refundID == "" {
		return nil, fmt.Errorf("%w: refund id is required", ErrInvalidInput)
	}

	var (
		order   *models.Order
		changed bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		changed = false
		found, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return orderLookupError(err)
		}
		order = found

		switch found.PaymentStatus {
		case models.PaymentRefunded:
			if found.RefundID == refundID {
				return nil
			}
			return fmt.Errorf("%w: order %d already refunded as %s", ErrInconsistentState, found.ID, found.RefundID)
		case models.PaymentPaid:
		default:
			return fmt.Errorf("%w: order %d payment is %s", ErrInconsistentState, found.ID, found.PaymentStatus)
		}

		found.PaymentStatus = models.PaymentRefunded
		found.RefundID = refundID
		if c := strings.TrimSpace(comment); c != "" {
			found.AdminComment = c
		}
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
		s.loggerFromContext(ctx).Info("order refunded", "order_id", order.ID, "refund_id", refundID)
		observability.Count(ctx, "order.refunded", 1)
		s.orders.notify(ctx, notify.TypeOrderRefunded, order, "")
	}
	return order, nil
}

func indexItems(items []models.OrderItem) map[int64]int {
	index := make(map[int64]int, len(items))
	for i, item := range items {
		index[item.ID] = i
	}
	return index
}
