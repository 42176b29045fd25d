package services

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/gitshopapp/ordercore/internal/auth"
	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/notify"
	"github.com/gitshopapp/ordercore/internal/stripe"
)

func TestCreateReservesStockAndRejectsShortfall(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	first := env.createOrder(t, customer, teeID, "M", "Noir", 2, "")
	if first.Status != models.StatusPending || first.PaymentStatus != models.PaymentPending {
		t.Fatalf("unexpected initial state %s/%s", first.Status, first.PaymentStatus)
	}
	if first.SubtotalCents != 5000 || first.ShippingCents != 800 || first.TotalCents != 5800 {
		t.Fatalf("unexpected totals %+v", first)
	}
	if len(first.Items) != 1 || first.Items[0].PriceCents != 2500 {
		t.Fatalf("expected price snapshot on item, got %+v", first.Items)
	}
	if got := env.stock(t, teeID, "M", "Noir"); got != 1 {
		t.Fatalf("expected stock 1 after first order, got %d", got)
	}

	_, err := env.orders.Create(t.Context(), customer, CreateOrderInput{
		Items: []LineItemInput{{ProductID: teeID, Quantity: 2, Variant: sel("M", "Noir")}},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got := env.stock(t, teeID, "M", "Noir"); got != 1 {
		t.Fatalf("expected stock to stay 1, got %d", got)
	}
	if got := env.countOrders(t); got != 1 {
		t.Fatalf("expected a single persisted order, got %d", got)
	}
	if got := env.notifier.count(notify.TypeOrderCreated); got != 1 {
		t.Fatalf("expected one created notification, got %d", got)
	}
}

func TestCreateIsAllOrNothing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	tests := []struct {
		name    string
		items   []LineItemInput
		wantErr error
	}{
		{
			name: "unknown variant on second line",
			items: []LineItemInput{
				{ProductID: teeID, Quantity: 1, Variant: sel("M", "Noir")},
				{ProductID: capID, Quantity: 1, Variant: sel("TU", "Rouge")},
			},
			wantErr: ErrVariantNotFound,
		},
		{
			name: "unknown product",
			items: []LineItemInput{
				{ProductID: teeID, Quantity: 1, Variant: sel("M", "Noir")},
				{ProductID: 99, Quantity: 1, Variant: sel("M", "Noir")},
			},
			wantErr: ErrVariantNotFound,
		},
		{
			name: "shortfall on last line",
			items: []LineItemInput{
				{ProductID: capID, Quantity: 1, Variant: sel("TU", "Noir")},
				{ProductID: teeID, Quantity: 3, Variant: sel("L", "Noir")},
			},
			wantErr: ErrInsufficientStock,
		},
		{
			name:    "missing variant",
			items:   []LineItemInput{{ProductID: teeID, Quantity: 1}},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "zero quantity",
			items:   []LineItemInput{{ProductID: teeID, Quantity: 0, Variant: sel("M", "Noir")}},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "no items",
			wantErr: ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		_, err := env.orders.Create(t.Context(), customer, CreateOrderInput{Items: tt.items})
		if !errors.Is(err, tt.wantErr) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.wantErr, err)
		}
	}

	if got := env.stock(t, teeID, "M", "Noir"); got != 3 {
		t.Fatalf("expected M/Noir untouched at 3, got %d", got)
	}
	if got := env.stock(t, capID, "TU", "Noir"); got != 4 {
		t.Fatalf("expected TU/Noir untouched at 4, got %d", got)
	}
	if got := env.countOrders(t); got != 0 {
		t.Fatalf("expected no orders, got %d", got)
	}
}

func TestCreateMatchesColorCaseInsensitively(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	order := env.createOrder(t, customer, teeID, "S", "blanc", 1, "")
	if order.Items[0].Variant.Color != "blanc" {
		t.Fatalf("expected the submitted selector to be snapshotted, got %+v", order.Items[0].Variant)
	}
	if got := env.stock(t, teeID, "S", "Blanc"); got != 4 {
		t.Fatalf("expected stock 4, got %d", got)
	}
}

func TestCreateWithReferenceIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	first := env.createOrder(t, customer, teeID, "M", "Noir", 1, "cs_test_repeat")
	second := env.createOrder(t, customer, teeID, "M", "Noir", 1, "cs_test_repeat")

	if first.ID != second.ID {
		t.Fatalf("expected the same order, got %d and %d", first.ID, second.ID)
	}
	if first.StripeSessionID != "cs_test_repeat" {
		t.Fatalf("expected session reference to be stored, got %q", first.StripeSessionID)
	}
	if got := env.stock(t, teeID, "M", "Noir"); got != 2 {
		t.Fatalf("expected a single reservation, stock %d", got)
	}

	_, err := env.orders.Create(t.Context(), stranger, CreateOrderInput{
		Items:             []LineItemInput{{ProductID: teeID, Quantity: 1, Variant: sel("M", "Noir")}},
		CheckoutReference: "cs_test_repeat",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for another user's reference, got %v", err)
	}
}

func TestCreateWithReferenceOfGuestOrderIsForbidden(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	guest := env.createOrder(t, auth.Principal{}, teeID, "M", "Noir", 1, "cs_test_guest")
	if guest.UserID != nil {
		t.Fatalf("expected a guest order, got user %d", *guest.UserID)
	}

	_, err := env.orders.Create(t.Context(), stranger, CreateOrderInput{
		Items:             []LineItemInput{{ProductID: teeID, Quantity: 1, Variant: sel("M", "Noir")}},
		CheckoutReference: "cs_test_guest",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for a guest order reference, got %v", err)
	}

	again := env.createOrder(t, admin, teeID, "M", "Noir", 1, "cs_test_guest")
	if again.ID != guest.ID {
		t.Fatalf("expected admin to see order %d, got %d", guest.ID, again.ID)
	}
	if got := env.stock(t, teeID, "M", "Noir"); got != 2 {
		t.Fatalf("expected a single reservation, stock %d", got)
	}
}

func TestConcurrentCreatesNeverOversell(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	const buyers = 20
	var succeeded atomic.Int32
	var g errgroup.Group
	for i := 0; i < buyers; i++ {
		g.Go(func() error {
			_, err := env.orders.Create(t.Context(), customer, CreateOrderInput{
				Items: []LineItemInput{
					{ProductID: capID, Quantity: 1, Variant: sel("TU", "Noir")},
					{ProductID: teeID, Quantity: 1, Variant: sel("S", "Blanc")},
				},
			})
			switch {
			case err == nil:
				succeeded.Add(1)
				return nil
			case errors.Is(err, ErrInsufficientStock):
				return nil
			default:
				return fmt.Errorf("unexpected error: %w", err)
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := succeeded.Load(); got != 4 {
		t.Fatalf("expected 4 successful orders, got %d", got)
	}
	if got := env.stock(t, capID, "TU", "Noir"); got != 0 {
		t.Fatalf("expected cap stock 0, got %d", got)
	}
	if got := env.stock(t, teeID, "S", "Blanc"); got != 1 {
		t.Fatalf("expected tee stock 1, got %d", got)
	}
}

func TestCancelReleasesExactlyOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	order := env.createOrder(t, customer, teeID, "L", "Noir", 1, "")
	if got := env.stock(t, teeID, "L", "Noir"); got != 1 {
		t.Fatalf("expected stock 1 after order, got %d", got)
	}

	if _, err := env.orders.Cancel(t.Context(), stranger, order.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for stranger, got %v", err)
	}

	for i := 0; i < 2; i++ {
		cancelled, err := env.orders.Cancel(t.Context(), customer, order.ID)
		if err != nil {
			t.Fatalf("cancel %d: %v", i, err)
		}
		if cancelled.Status != models.StatusCancelled {
			t.Fatalf("expected cancelled, got %s", cancelled.Status)
		}
		if got := env.stock(t, teeID, "L", "Noir"); got != 2 {
			t.Fatalf("cancel %d: expected stock 2, got %d", i, got)
		}
	}
	if got := env.notifier.count(notify.TypeOrderCancelled); got != 1 {
		t.Fatalf("expected one cancellation notification, got %d", got)
	}

	if _, err := env.orders.Cancel(t.Context(), customer, 404); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCancelRejectsShippedAndPaidOrders(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	paid := env.pay(t, env.createOrder(t, customer, teeID, "M", "Noir", 1, ""))
	if _, err := env.orders.Cancel(t.Context(), admin, paid.ID); !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState for paid order, got %v", err)
	}

	delivered := env.deliver(t, env.createOrder(t, customer, teeID, "L", "Noir", 1, ""))
	if _, err := env.orders.Cancel(t.Context(), admin, delivered.ID); !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState for delivered order, got %v", err)
	}
	if got := env.stock(t, teeID, "L", "Noir"); got != 1 {
		t.Fatalf("expected stock unchanged at 1, got %d", got)
	}
}

func TestMarkDelivered(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	order := env.createOrder(t, customer, teeID, "M", "Noir", 1, "")
	if _, err := env.orders.MarkDelivered(t.Context(), customer, order.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := env.orders.MarkDelivered(t.Context(), admin, order.ID); !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState for unpaid order, got %v", err)
	}

	delivered := env.deliver(t, order)
	if delivered.Status != models.StatusDelivered {
		t.Fatalf("expected delivered, got %s", delivered.Status)
	}
	again, err := env.orders.MarkDelivered(t.Context(), admin, order.ID)
	if err != nil || again.Status != models.StatusDelivered {
		t.Fatalf("expected idempotent delivery, got %v / %+v", err, again)
	}
	if got := env.notifier.count(notify.TypeOrderDelivered); got != 1 {
		t.Fatalf("expected one delivery notification, got %d", got)
	}
}

func TestGetChecksOwnership(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	order := env.createOrder(t, customer, teeID, "M", "Noir", 1, "")
	if _, err := env.orders.Get(t.Context(), stranger, order.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	got, err := env.orders.Get(t.Context(), customer, order.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Items) != 1 {
		t.Fatalf("expected items to be loaded, got %d", len(got.Items))
	}
}

func TestGetByReference(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	order := env.createOrder(t, customer, teeID, "M", "Noir", 1, "cs_test_lookup")

	tests := []struct {
		name      string
		principal auth.Principal
		reference string
		wantErr   error
	}{
		{name: "owner", principal: customer, reference: "cs_test_lookup"},
		{name: "admin", principal: admin, reference: " cs_test_lookup "},
		{name: "stranger", principal: stranger, reference: "cs_test_lookup", wantErr: ErrForbidden},
		{name: "unknown", principal: customer, reference: "cs_test_missing", wantErr: ErrOrderNotFound},
		{name: "blank", principal: admin, reference: "  ", wantErr: ErrOrderNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := env.orders.GetByReference(t.Context(), tt.principal, tt.reference)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID != order.ID || len(got.Items) != 1 {
				t.Fatalf("expected order %d with items, got %d with %d items", order.ID, got.ID, len(got.Items))
			}
		})
	}
}

func TestPaymentCommands(t *testing.T) {
	t.Parallel()

	t.Run("capture forwards the payment reference", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		order := env.createOrder(t, customer, teeID, "M", "Noir", 1, "pi_capture")

		if _, err := env.orders.CapturePayment(t.Context(), customer, order.ID); !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
		if _, err := env.orders.CapturePayment(t.Context(), admin, order.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(env.gateway.captured) != 1 || env.gateway.captured[0] != "pi_capture" {
			t.Fatalf("unexpected captures %v", env.gateway.captured)
		}
	})

	t.Run("unreachable processor", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.gateway.err = fmt.Errorf("capture: %w", stripe.ErrUnavailable)
		order := env.createOrder(t, customer, teeID, "M", "Noir", 1, "pi_down")

		_, err := env.orders.CapturePayment(t.Context(), admin, order.ID)
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
		}
		_, err = env.orders.CancelPayment(t.Context(), admin, order.ID)
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
		}
		if got := env.order(t, order.ID); got.Status != models.StatusPending {
			t.Fatalf("expected order to stay pending, got %s", got.Status)
		}
	})

	t.Run("cancel voids payment and releases stock", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		order := env.createOrder(t, customer, teeID, "M", "Noir", 2, "pi_void")

		cancelled, err := env.orders.CancelPayment(t.Context(), admin, order.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cancelled.Status != models.StatusCancelled {
			t.Fatalf("expected cancelled, got %s", cancelled.Status)
		}
		if len(env.gateway.cancelled) != 1 || env.gateway.cancelled[0] != "pi_void" {
			t.Fatalf("unexpected cancellations %v", env.gateway.cancelled)
		}
		if got := env.stock(t, teeID, "M", "Noir"); got != 3 {
			t.Fatalf("expected stock 3, got %d", got)
		}
	})

	t.Run("capture without reference", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		order := env.createOrder(t, customer, teeID, "M", "Noir", 1, "")

		if _, err := env.orders.CapturePayment(t.Context(), admin, order.ID); !errors.Is(err, ErrInconsistentState) {
			t.Fatalf("expected ErrInconsistentState, got %v", err)
		}
	})
}

func TestNotificationFailureDoesNotFailTransition(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.notifier.err = errors.New("broker down")

	order := env.createOrder(t, customer, teeID, "M", "Noir", 1, "")
	if _, err := env.orders.Cancel(t.Context(), customer, order.ID); err != nil {
		t.Fatalf("expected cancel to succeed, got %v", err)
	}
}

func TestNewOrderNumber(t *testing.T) {
	t.Parallel()

	first, second := NewOrderNumber(), NewOrderNumber()
	if first == second {
		t.Fatalf("expected unique order numbers, got %q twice", first)
	}
	if len(first) != len("ORD-")+26 || first[:4] != "ORD-" {
		t.Fatalf("unexpected order number format %q", first)
	}
}
