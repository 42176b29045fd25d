package services

import (
	"errors"

	"github.com/gitshopapp/ordercore/internal/inventory"
)

var (
	ErrOrderNotFound            = errors.New("order not found")
	ErrOrderNotDelivered        = errors.New("order has not been delivered")
	ErrExceedsPurchasedQuantity = errors.New("return quantity exceeds purchased quantity")
	ErrForbidden                = errors.New("forbidden")
	ErrUpstreamUnavailable      = errors.New("payment processor unavailable")
	ErrInconsistentState        = errors.New("order state does not allow this transition")
	ErrInvalidInput             = errors.New("invalid input")
	ErrEventNotFound            = errors.New("processor event not found")

	// ErrDuplicateEvent marks a processor event id that was already logged.
	// The reconciler absorbs it; it never reaches a caller.
	ErrDuplicateEvent = errors.New("duplicate processor event")
)

// Inventory failures surface unchanged so callers can match them with
// errors.Is against these aliases.
var (
	ErrVariantNotFound   = inventory.ErrVariantNotFound
	ErrInsufficientStock = inventory.ErrInsufficientStock
)
