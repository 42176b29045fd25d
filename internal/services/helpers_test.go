package services

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"github.com/gitshopapp/ordercore/internal/auth"
	"github.com/gitshopapp/ordercore/internal/inventory"
	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/notify"
	"github.com/gitshopapp/ordercore/internal/store"
)

const (
	teeID int64 = 1
	capID int64 = 2

	customerEmail = "client@example.com"
)

var (
	customer = auth.Principal{UserID: 7}
	stranger = auth.Principal{UserID: 8}
	admin    = auth.Principal{UserID: 1, IsAdmin: true}
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, notification notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return n.err
}

func (n *recordingNotifier) Close() error {
	return nil
}

func (n *recordingNotifier) count(typ notify.Type) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, sent := range n.sent {
		if sent.Type == typ {
			total++
		}
	}
	return total
}

type fakeGateway struct {
	mu        sync.Mutex
	err       error
	captured  []string
	cancelled []string
}

func (g *fakeGateway) CapturePayment(_ context.Context, paymentIntentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.captured = append(g.captured, paymentIntentID)
	return nil
}

func (g *fakeGateway) CancelPayment(_ context.Context, paymentIntentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.cancelled = append(g.cancelled, paymentIntentID)
	return nil
}

type testEnv struct {
	store      *store.MemoryStore
	orders     *OrderService
	returns    *ReturnService
	events     *EventLog
	reconciler *Reconciler
	notifier   *recordingNotifier
	gateway    *fakeGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	err := st.InTx(t.Context(), func(ctx context.Context, tx store.Tx) error {
		products := []*models.Product{
			{
				ID:         teeID,
				Name:       "T-shirt Logo",
				PriceCents: 2500,
				Variants: models.Variants{
					{Size: "M", Color: "Noir", Stock: 3},
					{Size: "L", Color: "Noir", Stock: 2},
					{Size: "S", Color: "Blanc", Stock: 5},
				},
			},
			{
				ID:         capID,
				Name:       "Casquette",
				PriceCents: 1200,
				Variants: models.Variants{
					{Size: "TU", Color: "Noir", Stock: 4},
				},
			},
		}
		for _, product := range products {
			if err := tx.UpsertProduct(ctx, product); err != nil {
				return err
			}
		}
		users := []*models.User{
			{ID: 1, Email: "admin@example.com", IsAdmin: true},
			{ID: 7, Email: customerEmail},
			{ID: 8, Email: "other@example.com"},
		}
		for _, user := range users {
			if err := tx.UpsertUser(ctx, user); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	notifier := &recordingNotifier{}
	gateway := &fakeGateway{}
	orders := NewOrderService(OrderServiceDeps{
		Store:    st,
		Notifier: notifier,
		Payments: gateway,
		Currency: "eur",
	})
	events := NewEventLog(st)
	reconciler := NewReconciler(st, events, orders, 0, nil)
	orders.SetPendingReconciler(reconciler)

	return &testEnv{
		store:      st,
		orders:     orders,
		returns:    NewReturnService(st, nil, orders, nil),
		events:     events,
		reconciler: reconciler,
		notifier:   notifier,
		gateway:    gateway,
	}
}

func sel(size, color string) *models.VariantSelector {
	return &models.VariantSelector{Size: size, Color: color}
}

func (e *testEnv) stock(t *testing.T, productID int64, size, color string) int {
	t.Helper()
	ledger := inventory.NewLedger()
	var available int
	err := e.store.InTx(t.Context(), func(ctx context.Context, tx store.Tx) error {
		var err error
		available, err = ledger.Available(ctx, tx, productID, *sel(size, color))
		return err
	})
	if err != nil {
		t.Fatalf("failed to read stock: %v", err)
	}
	return available
}

func (e *testEnv) countOrders(t *testing.T) int {
	t.Helper()
	total := 0
	err := e.store.InTx(t.Context(), func(ctx context.Context, tx store.Tx) error {
		for id := int64(1); ; id++ {
			if _, err := tx.GetOrder(ctx, id); err != nil {
				return nil
			}
			total++
		}
	})
	if err != nil {
		t.Fatalf("failed to count orders: %v", err)
	}
	return total
}

func (e *testEnv) createOrder(t *testing.T, principal auth.Principal, productID int64, size, color string, qty int, reference string) *models.Order {
	t.Helper()
	order, err := e.orders.Create(t.Context(), principal, CreateOrderInput{
		Items:             []LineItemInput{{ProductID: productID, Quantity: qty, Variant: sel(size, color)}},
		ShippingMethod:    models.ShippingStandard,
		CustomerEmail:     customerEmail,
		CheckoutReference: reference,
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	return order
}

func (e *testEnv) order(t *testing.T, id int64) *models.Order {
	t.Helper()
	order, err := e.orders.Get(t.Context(), admin, id)
	if err != nil {
		t.Fatalf("failed to load order %d: %v", id, err)
	}
	return order
}

// pay settles the order through a payment intent success event.
func (e *testEnv) pay(t *testing.T, order *models.Order) *models.Order {
	t.Helper()
	payload := intentPayload(t, "pi_"+order.OrderNumber, "", order.TotalCents, map[string]string{
		"order_id": strconv.FormatInt(order.ID, 10),
	})
	res, err := e.reconciler.Ingest(t.Context(), "evt_pay_"+order.OrderNumber, "payment_intent.succeeded", payload)
	if err != nil {
		t.Fatalf("failed to ingest payment: %v", err)
	}
	if res.Outcome != models.OutcomeApplied {
		t.Fatalf("expected payment to apply, got %s (%v)", res.Outcome, res.Err)
	}
	return e.order(t, order.ID)
}

func (e *testEnv) deliver(t *testing.T, order *models.Order) *models.Order {
	t.Helper()
	paid := e.pay(t, order)
	delivered, err := e.orders.MarkDelivered(t.Context(), admin, paid.ID)
	if err != nil {
		t.Fatalf("failed to deliver order: %v", err)
	}
	return delivered
}

func sessionPayload(t *testing.T, sessionID, paymentIntentID, email string, amount int64, paymentStatus string, metadata map[string]string) json.RawMessage {
	t.Helper()
	object := map[string]any{
		"id":             sessionID,
		"object":         "checkout.session",
		"amount_total":   amount,
		"currency":       "eur",
		"payment_status": paymentStatus,
		"metadata":       metadata,
	}
	if paymentIntentID != "" {
		object["payment_intent"] = paymentIntentID
	}
	if email != "" {
		object["customer_details"] = map[string]any{"email": email, "name": "Camille Client"}
	}
	return mustJSON(t, object)
}

func intentPayload(t *testing.T, intentID, email string, amount int64, metadata map[string]string) json.RawMessage {
	t.Helper()
	object := map[string]any{
		"id":       intentID,
		"object":   "payment_intent",
		"amount":   amount,
		"currency": "eur",
		"metadata": metadata,
	}
	if email != "" {
		object["receipt_email"] = email
	}
	return mustJSON(t, object)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return raw
}
