package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/gitshopapp/ordercore/internal/auth"
	"github.com/gitshopapp/ordercore/internal/cache"
	"github.com/gitshopapp/ordercore/internal/config"
	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/services"
	"github.com/gitshopapp/ordercore/internal/store"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testJWTSecret     = "test-secret-0123456789"
)

var (
	customer = auth.Principal{UserID: 7}
	admin    = auth.Principal{UserID: 1, IsAdmin: true}
)

type testEnv struct {
	handlers *Handlers
	store    *store.MemoryStore
	cache    *cache.MemoryProvider
	orders   *services.OrderService
	events   *services.EventLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	err := st.InTx(t.Context(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpsertProduct(ctx, &models.Product{
			ID:         1,
			Name:       "T-shirt Logo",
			PriceCents: 2500,
			Variants: models.Variants{
				{Size: "M", Color: "Noir", Stock: 3},
				{Size: "L", Color: "Noir", Stock: 2},
			},
		}); err != nil {
			return err
		}
		if err := tx.UpsertUser(ctx, &models.User{ID: 1, Email: "admin@example.com", IsAdmin: true}); err != nil {
			return err
		}
		return tx.UpsertUser(ctx, &models.User{ID: 7, Email: "client@example.com"})
	})
	if err != nil {
		t.Fatalf("failed to seed store: %v", err)
	}

	cacheProvider, err := cache.NewMemoryProvider()
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	verifier, err := auth.NewVerifier(testJWTSecret)
	if err != nil {
		t.Fatalf("failed to create verifier: %v", err)
	}

	orders := services.NewOrderService(services.OrderServiceDeps{Store: st})
	events := services.NewEventLog(st)
	reconciler := services.NewReconciler(st, events, orders, 0, nil)
	orders.SetPendingReconciler(reconciler)

	h, err := New(Dependencies{
		Config:        &config.Config{StripeWebhookSecret: testWebhookSecret},
		Store:         st,
		CacheProvider: cacheProvider,
		Orders:        orders,
		Returns:       services.NewReturnService(st, nil, orders, nil),
		Events:        events,
		StripeRouter:  NewStripeEventRouter(reconciler, nil),
		Verifier:      verifier,
	})
	if err != nil {
		t.Fatalf("failed to create handlers: %v", err)
	}

	return &testEnv{handlers: h, store: st, cache: cacheProvider, orders: orders, events: events}
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()

	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func asPrincipal(req *http.Request, p auth.Principal, vars map[string]string) *http.Request {
	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	return req
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body.Message
}

func orderPayload(size string, qty int) map[string]any {
	return map[string]any{
		"items": []map[string]any{
			{"id": 1, "quantity": qty, "variant": map[string]any{"size": size, "color": "Noir"}},
		},
		"shipping_method": "standard",
		"customer_email":  "client@example.com",
	}
}

func TestCreateOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{name: "reserves stock", body: orderPayload("M", 2), wantStatus: http.StatusCreated},
		{name: "insufficient stock", body: orderPayload("L", 3), wantStatus: http.StatusBadRequest},
		{name: "unknown variant", body: orderPayload("XL", 1), wantStatus: http.StatusNotFound},
		{
			name:       "variant as encoded string",
			body:       `{"items":[{"id":1,"quantity":1,"variant":"{\"size\":\"M\",\"color\":\"noir\"}"}]}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "variant without color",
			body:       `{"items":[{"id":1,"quantity":1,"variant":{"size":"M"}}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "product_id key",
			body:       `{"items":[{"product_id":1,"quantity":1,"variant":{"size":"M","color":"Noir"}}]}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing product",
			body:       `{"items":[{"quantity":1,"variant":{"size":"M","color":"Noir"}}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{name: "no items", body: `{"items":[]}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", body: `{"items":`, wantStatus: http.StatusBadRequest},
		{
			name:       "unknown shipping method",
			body:       `{"items":[{"id":1,"quantity":1,"variant":{"size":"M","color":"Noir"}}],"shipping_method":"drone"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t)
			req := asPrincipal(jsonRequest(t, http.MethodPost, "/api/orders", tt.body), customer, nil)
			rec := httptest.NewRecorder()

			env.handlers.CreateOrder(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if rec.Code != http.StatusCreated {
				if msg := decodeMessage(t, rec); msg == "" {
					t.Fatal("expected an error message")
				}
				return
			}

			var order models.Order
			if err := json.NewDecoder(rec.Body).Decode(&order); err != nil {
				t.Fatalf("failed to decode order: %v", err)
			}
			if order.Status != models.StatusPending || order.PaymentStatus != models.PaymentPending {
				t.Fatalf("unexpected order state %s/%s", order.Status, order.PaymentStatus)
			}
			if order.UserID == nil || *order.UserID != customer.UserID {
				t.Fatalf("expected order owned by %d, got %v", customer.UserID, order.UserID)
			}
		})
	}
}

func TestCreateOrderRequiresPrincipal(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handlers.CreateOrder(rec, jsonRequest(t, http.MethodPost, "/api/orders", orderPayload("M", 1)))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestOrderCommands(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	order, err := env.orders.Create(t.Context(), customer, services.CreateOrderInput{
		Items: []services.LineItemInput{{
			ProductID: 1,
			Quantity:  1,
			Variant:   &models.VariantSelector{Size: "M", Color: "Noir"},
		}},
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	vars := map[string]string{"id": strconv.FormatInt(order.ID, 10)}

	stranger := auth.Principal{UserID: 99}
	rec := httptest.NewRecorder()
	env.handlers.GetOrder(rec, asPrincipal(jsonRequest(t, http.MethodGet, "/api/orders/1", nil), stranger, vars))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected stranger to get %d, got %d", http.StatusForbidden, rec.Code)
	}

	rec = httptest.NewRecorder()
	env.handlers.MarkDelivered(rec, asPrincipal(jsonRequest(t, http.MethodPatch, "/api/orders/1/deliver", nil), customer, vars))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected non-admin deliver to get %d, got %d", http.StatusForbidden, rec.Code)
	}

	rec = httptest.NewRecorder()
	env.handlers.MarkDelivered(rec, asPrincipal(jsonRequest(t, http.MethodPatch, "/api/orders/1/deliver", nil), admin, vars))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected unpaid deliver to get %d, got %d", http.StatusConflict, rec.Code)
	}

	rec = httptest.NewRecorder()
	env.handlers.CapturePayment(rec, asPrincipal(jsonRequest(t, http.MethodPost, "/api/orders/1/payment/capture", nil), admin, vars))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected capture without reference to get %d, got %d", http.StatusConflict, rec.Code)
	}

	rec = httptest.NewRecorder()
	env.handlers.CancelOrder(rec, asPrincipal(jsonRequest(t, http.MethodDelete, "/api/orders/1", nil), customer, vars))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cancel to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
	var cancelled models.Order
	if err := json.NewDecoder(rec.Body).Decode(&cancelled); err != nil {
		t.Fatalf("failed to decode order: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	rec = httptest.NewRecorder()
	env.handlers.GetOrder(rec, asPrincipal(jsonRequest(t, http.MethodGet, "/api/orders/404", nil), admin, map[string]string{"id": "404"}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected missing order to get %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestGetOrderByReference(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	order, err := env.orders.Create(t.Context(), customer, services.CreateOrderInput{
		Items: []services.LineItemInput{{
			ProductID: 1,
			Quantity:  1,
			Variant:   &models.VariantSelector{Size: "M", Color: "Noir"},
		}},
		CheckoutReference: "cs_test_lookup",
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}

	tests := []struct {
		name       string
		principal  auth.Principal
		reference  string
		wantStatus int
	}{
		{name: "owner", principal: customer, reference: "cs_test_lookup", wantStatus: http.StatusOK},
		{name: "admin", principal: admin, reference: "cs_test_lookup", wantStatus: http.StatusOK},
		{name: "stranger", principal: auth.Principal{UserID: 99}, reference: "cs_test_lookup", wantStatus: http.StatusForbidden},
		{name: "unknown reference", principal: customer, reference: "cs_test_missing", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			vars := map[string]string{"reference": tt.reference}
			req := asPrincipal(jsonRequest(t, http.MethodGet, "/api/orders/by-reference/"+tt.reference, nil), tt.principal, vars)
			rec := httptest.NewRecorder()

			env.handlers.GetOrderByReference(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if rec.Code != http.StatusOK {
				return
			}
			var got models.Order
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatalf("failed to decode order: %v", err)
			}
			if got.ID != order.ID {
				t.Fatalf("expected order %d, got %d", order.ID, got.ID)
			}
		})
	}
}

func signedWebhook(t *testing.T, payload []byte) *http.Request {
	t.Helper()

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func intentSucceededEvent(t *testing.T, eventID string, orderID int64) []byte {
	t.Helper()

	payload, err := json.Marshal(map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   "payment_intent.succeeded",
		"data": map[string]any{
			"object": map[string]any{
				"id":              "pi_" + eventID,
				"object":          "payment_intent",
				"amount":          3300,
				"amount_received": 3300,
				"currency":        "eur",
				"receipt_email":   "client@example.com",
				"metadata":        map[string]string{"order_id": strconv.FormatInt(orderID, 10)},
			},
		},
	})
	if err != nil {
		t.Fatalf("failed to encode event: %v", err)
	}
	return payload
}

func TestStripeWebhook(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	order, err := env.orders.Create(t.Context(), customer, services.CreateOrderInput{
		Items: []services.LineItemInput{{
			ProductID: 1,
			Quantity:  1,
			Variant:   &models.VariantSelector{Size: "M", Color: "Noir"},
		}},
	})
	if err != nil {
		t.Fatalf("failed to create order: %v", err)
	}
	payload := intentSucceededEvent(t, "evt_paid", order.ID)

	deliver := func() services.Result {
		t.Helper()
		rec := httptest.NewRecorder()
		env.handlers.StripeWebhook(rec, signedWebhook(t, payload))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
		}
		var res services.Result
		if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
		return res
	}

	if res := deliver(); res.Outcome != models.OutcomeApplied {
		t.Fatalf("expected applied, got %s", res.Outcome)
	}
	paid, err := env.orders.Get(t.Context(), admin, order.ID)
	if err != nil {
		t.Fatalf("failed to reload order: %v", err)
	}
	if paid.Status != models.StatusProcessing || paid.PaymentStatus != models.PaymentPaid {
		t.Fatalf("expected processing/paid, got %s/%s", paid.Status, paid.PaymentStatus)
	}

	// The cache answers the redelivery before the event log is touched.
	if res := deliver(); res.Outcome != models.OutcomeDuplicate {
		t.Fatalf("expected duplicate from cache, got %s", res.Outcome)
	}
	record, err := env.events.Get(t.Context(), "evt_paid")
	if err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if len(record.Attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(record.Attempts))
	}

	// Without the cache entry the event log still deduplicates.
	if err := env.cache.Delete(t.Context(), cache.ProcessorEventKey("stripe", "evt_paid")); err != nil {
		t.Fatalf("failed to clear cache: %v", err)
	}
	if res := deliver(); res.Outcome != models.OutcomeDuplicate {
		t.Fatalf("expected duplicate from event log, got %s", res.Outcome)
	}
	record, err = env.events.Get(t.Context(), "evt_paid")
	if err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if len(record.Attempts) != 2 || record.LatestOutcome() != models.OutcomeDuplicate {
		t.Fatalf("unexpected attempts: %+v", record.Attempts)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	payload := intentSucceededEvent(t, "evt_forged", 1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()

	env.handlers.StripeWebhook(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
	if _, err := env.events.Get(t.Context(), "evt_forged"); err == nil {
		t.Fatal("forged event must not be logged")
	}
}

func TestStripeWebhookAcknowledgesUnmatchedEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	payload, err := json.Marshal(map[string]any{
		"id":     "evt_failed_early",
		"object": "event",
		"type":   "payment_intent.payment_failed",
		"data": map[string]any{
			"object": map[string]any{
				"id":       "pi_unknown",
				"object":   "payment_intent",
				"amount":   1000,
				"currency": "eur",
			},
		},
	})
	if err != nil {
		t.Fatalf("failed to encode event: %v", err)
	}

	rec := httptest.NewRecorder()
	env.handlers.StripeWebhook(rec, signedWebhook(t, payload))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	// Unmatched events stay retryable, so the cache claim is released.
	if _, err := env.cache.Get(t.Context(), cache.ProcessorEventKey("stripe", "evt_failed_early")); err == nil {
		t.Fatal("expected cache claim to be released")
	}
}

func TestAdminEvents(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.handlers.StripeWebhook(rec, signedWebhook(t, intentSucceededEvent(t, "evt_orphan", 999)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected webhook to be acknowledged, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.handlers.ListEvents(rec, asPrincipal(jsonRequest(t, http.MethodGet, "/api/admin/events", nil), customer, nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}

	rec = httptest.NewRecorder()
	env.handlers.ListEvents(rec, asPrincipal(jsonRequest(t, http.MethodGet, "/api/admin/events?limit=10", nil), admin, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var listed struct {
		Events []services.EventRecord `json:"events"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listed); err != nil {
		t.Fatalf("failed to decode events: %v", err)
	}
	if len(listed.Events) != 1 || listed.Events[0].EventID != "evt_orphan" {
		t.Fatalf("unexpected events: %+v", listed.Events)
	}

	rec = httptest.NewRecorder()
	env.handlers.ReplayEvent(rec, asPrincipal(jsonRequest(t, http.MethodPost, "/api/admin/events/evt_missing/replay", nil), admin, map[string]string{"id": "evt_missing"}))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}

	rec = httptest.NewRecorder()
	env.handlers.ReplayEvent(rec, asPrincipal(jsonRequest(t, http.MethodPost, "/api/admin/events/evt_orphan/replay", nil), admin, map[string]string{"id": "evt_orphan"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}
}

func TestStatusForError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{err: services.ErrVariantNotFound, want: http.StatusNotFound},
		{err: services.ErrOrderNotFound, want: http.StatusNotFound},
		{err: services.ErrEventNotFound, want: http.StatusNotFound},
		{err: services.ErrInsufficientStock, want: http.StatusBadRequest},
		{err: services.ErrExceedsPurchasedQuantity, want: http.StatusBadRequest},
		{err: services.ErrOrderNotDelivered, want: http.StatusBadRequest},
		{err: services.ErrInvalidInput, want: http.StatusBadRequest},
		{err: models.ErrInvalidVariant, want: http.StatusBadRequest},
		{err: services.ErrForbidden, want: http.StatusForbidden},
		{err: services.ErrInconsistentState, want: http.StatusConflict},
		{err: services.ErrUpstreamUnavailable, want: http.StatusServiceUnavailable},
		{err: context.DeadlineExceeded, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Fatalf("%v: expected %d, got %d", tt.err, tt.want, got)
		}
	}
}
