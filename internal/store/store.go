// Package store defines the transactional persistence contract shared by
// the Postgres and in-memory backends.
package store

import (
	"context"
	"errors"

	"github.com/gitshopapp/ordercore/internal/models"
)

var ErrNotFound = errors.New("record not found")

// Store opens transactions. InTx commits when fn returns nil and rolls
// back on any error; fn may be invoked more than once when the backend
// retries a serialization failure.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

type ProductTx interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	// GetProductForUpdate locks the product row until the transaction ends.
	GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error)
	UpdateVariants(ctx context.Context, productID int64, variants models.Variants) error
	UpsertProduct(ctx context.Context, product *models.Product) error
}

type UserTx interface {
	UpsertUser(ctx context.Context, user *models.User) error
	FindUserIDByEmail(ctx context.Context, email string) (int64, error)
}

type OrderTx interface {
	InsertOrder(ctx context.Context, order *models.Order) error
	InsertOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	FindOrderByNumberForUpdate(ctx context.Context, orderNumber string) (*models.Order, error)
	// FindOrderByReferenceForUpdate matches either processor correlation key.
	FindOrderByReferenceForUpdate(ctx context.Context, reference string) (*models.Order, error)
	// FindOrderByReference is FindOrderByReferenceForUpdate without the row lock.
	FindOrderByReference(ctx context.Context, reference string) (*models.Order, error)
	// ListPendingOrders returns the most recent pending orders, newest
	// first, without locking them.
	ListPendingOrders(ctx context.Context, limit int) ([]*models.Order, error)
	GetOrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
	UpdateOrderItem(ctx context.Context, item *models.OrderItem) error
}

type EventTx interface {
	// InsertEvent reports false when an event with the same id exists.
	InsertEvent(ctx context.Context, event *models.ProcessorEvent) (bool, error)
	GetEvent(ctx context.Context, eventID string) (*models.ProcessorEvent, error)
	ListEvents(ctx context.Context, limit int) ([]models.ProcessorEvent, error)
	InsertEventAttempt(ctx context.Context, attempt *models.EventAttempt) error
	ListEventAttempts(ctx context.Context, eventID string) ([]models.EventAttempt, error)
	// ListUnmatchedEvents returns events carrying one of the references
	// whose most recent attempt ended unmatched, oldest first.
	ListUnmatchedEvents(ctx context.Context, references []string) ([]models.ProcessorEvent, error)
}

type Tx interface {
	ProductTx
	UserTx
	OrderTx
	EventTx
}
