package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gitshopapp/ordercore/internal/models"
)

// MemoryStore keeps everything in process. Transactions are serialised by
// a single mutex and a failed transaction restores the snapshot taken when
// it began, so callers observe the same all-or-nothing behaviour as with
// Postgres.
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time
}

type memoryState struct {
	users         map[int64]models.User
	products      map[int64]*models.Product
	orders        map[int64]*models.Order
	items         map[int64][]models.OrderItem
	events        map[string]models.ProcessorEvent
	eventOrder    []string
	attempts      []models.EventAttempt
	nextOrderID   int64
	nextItemID    int64
	nextAttemptID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			users:    make(map[int64]models.User),
			products: make(map[int64]*models.Product),
			orders:   make(map[int64]*models.Order),
			items:    make(map[int64][]models.OrderItem),
			events:   make(map[string]models.ProcessorEvent),
		},
		now: time.Now,
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	tx := &memoryTx{state: s.state, now: s.now}
	if err := fn(ctx, tx); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() {}

func (st *memoryState) clone() *memoryState {
	out := &memoryState{
		users:         make(map[int64]models.User, len(st.users)),
		products:      make(map[int64]*models.Product, len(st.products)),
		orders:        make(map[int64]*models.Order, len(st.orders)),
		items:         make(map[int64][]models.OrderItem, len(st.items)),
		events:        make(map[string]models.ProcessorEvent, len(st.events)),
		eventOrder:    append([]string(nil), st.eventOrder...),
		attempts:      append([]models.EventAttempt(nil), st.attempts...),
		nextOrderID:   st.nextOrderID,
		nextItemID:    st.nextItemID,
		nextAttemptID: st.nextAttemptID,
	}
	for id, u := range st.users {
		out.users[id] = u
	}
	for id, p := range st.products {
		out.products[id] = p.Clone()
	}
	for id, o := range st.orders {
		out.orders[id] = o.Clone()
	}
	for id, items := range st.items {
		cloned := make([]models.OrderItem, len(items))
		for i := range items {
			cloned[i] = items[i].Clone()
		}
		out.items[id] = cloned
	}
	for id, e := range st.events {
		out.events[id] = e.Clone()
	}
	return out
}

type memoryTx struct {
	state *memoryState
	now   func() time.Time
}

func (t *memoryTx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	_ = ctx
	product, ok := t.state.products[id]
	if !ok {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	return product.Clone(), nil
}

func (t *memoryTx) GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	return t.GetProduct(ctx, id)
}

func (t *memoryTx) UpdateVariants(ctx context.Context, productID int64, variants models.Variants) error {
	_ = ctx
	product, ok := t.state.products[productID]
	if !ok {
		return fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	product.Variants = variants.Clone()
	product.UpdatedAt = t.now()
	return nil
}

func (t *memoryTx) UpsertProduct(ctx context.Context, product *models.Product) error {
	_ = ctx
	stored := product.Clone()
	stored.UpdatedAt = t.now()
	t.state.products[product.ID] = stored
	product.UpdatedAt = stored.UpdatedAt
	return nil
}

func (t *memoryTx) UpsertUser(ctx context.Context, user *models.User) error {
	_ = ctx
	for id, existing := range t.state.users {
		if id != user.ID && strings.EqualFold(existing.Email, user.Email) {
			return fmt.Errorf("user email %q already taken by %d", user.Email, id)
		}
	}
	t.state.users[user.ID] = *user
	return nil
}

func (t *memoryTx) FindUserIDByEmail(ctx context.Context, email string) (int64, error) {
	_ = ctx
	email = strings.TrimSpace(email)
	for id, u := range t.state.users {
		if strings.EqualFold(u.Email, email) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("user %q: %w", email, ErrNotFound)
}

func (t *memoryTx) InsertOrder(ctx context.Context, order *models.Order) error {
	_ = ctx
	for _, existing := range t.state.orders {
		if existing.OrderNumber == order.OrderNumber {
			return fmt.Errorf("order number %q already exists", order.OrderNumber)
		}
		if err := checkReferenceConflict(existing, order); err != nil {
			return err
		}
	}

	t.state.nextOrderID++
	now := t.now()
	order.ID = t.state.nextOrderID
	order.CreatedAt = now
	order.UpdatedAt = now

	stored := order.Clone()
	stored.Items = nil
	t.state.orders[order.ID] = stored
	return nil
}

func (t *memoryTx) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	_ = ctx
	if _, ok := t.state.orders[item.OrderID]; !ok {
		return fmt.Errorf("order %d: %w", item.OrderID, ErrNotFound)
	}
	if item.ReturnStatus == "" {
		item.ReturnStatus = models.ReturnNone
	}
	t.state.nextItemID++
	item.ID = t.state.nextItemID
	t.state.items[item.OrderID] = append(t.state.items[item.OrderID], item.Clone())
	return nil
}

func (t *memoryTx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	_ = ctx
	order, ok := t.state.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return order.Clone(), nil
}

func (t *memoryTx) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return t.GetOrder(ctx, id)
}

func (t *memoryTx) FindOrderByNumberForUpdate(ctx context.Context, orderNumber string) (*models.Order, error) {
	_ = ctx
	for _, order := range t.state.orders {
		if order.OrderNumber == orderNumber {
			return order.Clone(), nil
		}
	}
	return nil, fmt.Errorf("order %q: %w", orderNumber, ErrNotFound)
}

func (t *memoryTx) FindOrderByReferenceForUpdate(ctx context.Context, reference string) (*models.Order, error) {
	_ = ctx
	for _, order := range t.sortedOrders() {
		if order.HasReference(reference) {
			return order.Clone(), nil
		}
	}
	return nil, fmt.Errorf("order reference %q: %w", reference, ErrNotFound)
}

func (t *memoryTx) FindOrderByReference(ctx context.Context, reference string) (*models.Order, error) {
	return t.FindOrderByReferenceForUpdate(ctx, reference)
}

func (t *memoryTx) ListPendingOrders(ctx context.Context, limit int) ([]*models.Order, error) {
	_ = ctx
	orders := t.sortedOrders()
	out := make([]*models.Order, 0, limit)
	for i := len(orders) - 1; i >= 0 && len(out) < limit; i-- {
		if orders[i].Status == models.StatusPending {
			out = append(out, orders[i].Clone())
		}
	}
	return out, nil
}

func (t *memoryTx) GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	_ = ctx
	items := t.state.items[orderID]
	out := make([]models.OrderItem, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return out, nil
}

func (t *memoryTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	_ = ctx
	if _, ok := t.state.orders[order.ID]; !ok {
		return fmt.Errorf("order %d: %w", order.ID, ErrNotFound)
	}
	for id, existing := range t.state.orders {
		if id == order.ID {
			continue
		}
		if err := checkReferenceConflict(existing, order); err != nil {
			return err
		}
	}

	order.UpdatedAt = t.now()
	stored := order.Clone()
	stored.Items = nil
	t.state.orders[order.ID] = stored
	return nil
}

func (t *memoryTx) UpdateOrderItem(ctx context.Context, item *models.OrderItem) error {
	_ = ctx
	items := t.state.items[item.OrderID]
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item.Clone()
			return nil
		}
	}
	return fmt.Errorf("order item %d: %w", item.ID, ErrNotFound)
}

func (t *memoryTx) InsertEvent(ctx context.Context, event *models.ProcessorEvent) (bool, error) {
	_ = ctx
	if _, exists := t.state.events[event.EventID]; exists {
		return false, nil
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = t.now()
	}
	t.state.events[event.EventID] = event.Clone()
	t.state.eventOrder = append(t.state.eventOrder, event.EventID)
	return true, nil
}

func (t *memoryTx) GetEvent(ctx context.Context, eventID string) (*models.ProcessorEvent, error) {
	_ = ctx
	event, ok := t.state.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %q: %w", eventID, ErrNotFound)
	}
	cloned := event.Clone()
	return &cloned, nil
}

func (t *memoryTx) ListEvents(ctx context.Context, limit int) ([]models.ProcessorEvent, error) {
	_ = ctx
	out := make([]models.ProcessorEvent, 0, limit)
	for i := len(t.state.eventOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.state.events[t.state.eventOrder[i]].Clone())
	}
	return out, nil
}

func (t *memoryTx) InsertEventAttempt(ctx context.Context, attempt *models.EventAttempt) error {
	_ = ctx
	if _, ok := t.state.events[attempt.EventID]; !ok {
		return fmt.Errorf("event %q: %w", attempt.EventID, ErrNotFound)
	}
	t.state.nextAttemptID++
	attempt.ID = t.state.nextAttemptID
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = t.now()
	}
	t.state.attempts = append(t.state.attempts, *attempt)
	return nil
}

func (t *memoryTx) ListEventAttempts(ctx context.Context, eventID string) ([]models.EventAttempt, error) {
	_ = ctx
	var out []models.EventAttempt
	for _, attempt := range t.state.attempts {
		if attempt.EventID == eventID {
			out = append(out, attempt)
		}
	}
	return out, nil
}

func (t *memoryTx) ListUnmatchedEvents(ctx context.Context, references []string) ([]models.ProcessorEvent, error) {
	_ = ctx
	wanted := make(map[string]struct{}, len(references))
	for _, ref := range references {
		if ref != "" {
			wanted[ref] = struct{}{}
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	latest := make(map[string]models.EventOutcome)
	for _, attempt := range t.state.attempts {
		latest[attempt.EventID] = attempt.Outcome
	}

	var out []models.ProcessorEvent
	for _, id := range t.state.eventOrder {
		event := t.state.events[id]
		if _, ok := wanted[event.Reference]; !ok {
			continue
		}
		if latest[id] != models.OutcomeUnmatched {
			continue
		}
		out = append(out, event.Clone())
	}
	return out, nil
}

func (t *memoryTx) sortedOrders() []*models.Order {
	orders := make([]*models.Order, 0, len(t.state.orders))
	for _, o := range t.state.orders {
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders
}

func checkReferenceConflict(existing, order *models.Order) error {
	if order.StripeSessionID != "" && existing.StripeSessionID == order.StripeSessionID {
		return fmt.Errorf("stripe session %q already linked to order %d", order.StripeSessionID, existing.ID)
	}
	if order.PaymentReference != "" && existing.PaymentReference == order.PaymentReference {
		return fmt.Errorf("payment reference %q already linked to order %d", order.PaymentReference, existing.ID)
	}
	return nil
}
