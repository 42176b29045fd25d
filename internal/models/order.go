package models

import (
	"strings"
	"time"
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// CancelReason records who cancelled an order.
type CancelReason string

const (
	CancelRequested     CancelReason = "requested"
	CancelPaymentFailed CancelReason = "payment_failed"
)

type ReturnStatus string

const (
	ReturnNone      ReturnStatus = "none"
	ReturnRequested ReturnStatus = "requested"
	ReturnApproved  ReturnStatus = "approved"
	ReturnRejected  ReturnStatus = "rejected"
)

type ShippingMethod string

const (
	ShippingStandard ShippingMethod = "standard"
	ShippingExpress  ShippingMethod = "express"
	ShippingPickup   ShippingMethod = "pickup"
)

// NormalizeShippingMethod maps free-form input onto a known method.
// Unknown values fall back to standard shipping.
func NormalizeShippingMethod(raw string) ShippingMethod {
	switch ShippingMethod(strings.ToLower(strings.TrimSpace(raw))) {
	case ShippingExpress:
		return ShippingExpress
	case ShippingPickup:
		return ShippingPickup
	default:
		return ShippingStandard
	}
}

// Order is the aggregate root. Empty strings stand for SQL NULL on the
// nullable reference columns.
type Order struct {
	ID               int64          `json:"id"`
	OrderNumber      string         `json:"order_number"`
	UserID           *int64         `json:"user_id,omitempty"`
	Status           OrderStatus    `json:"status"`
	PaymentStatus    PaymentStatus  `json:"payment_status"`
	SubtotalCents    int64          `json:"subtotal_cents"`
	ShippingCents    int64          `json:"shipping_cents"`
	TotalCents       int64          `json:"total_cents"`
	Currency         string         `json:"currency"`
	ShippingMethod   ShippingMethod `json:"shipping_method"`
	ShippingInfo     map[string]any `json:"shipping_info,omitempty"`
	CustomerEmail    string         `json:"customer_email,omitempty"`
	StripeSessionID  string         `json:"stripe_session_id,omitempty"`
	PaymentReference string         `json:"payment_reference,omitempty"`
	RefundID         string         `json:"refund_id,omitempty"`
	AdminComment     string         `json:"admin_comment,omitempty"`
	CancelReason     CancelReason   `json:"cancel_reason,omitempty"`
	Recovered        bool           `json:"recovered"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Items            []OrderItem    `json:"items,omitempty"`
}

func (o *Order) OwnedBy(userID int64) bool {
	return o != nil && o.UserID != nil && *o.UserID == userID
}

// IsPaid reports whether money has been captured for the order, including
// orders that were later refunded.
func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentPaid || o.PaymentStatus == PaymentRefunded
}

// CancelledByPaymentFailure distinguishes a processor-driven cancellation
// from one requested by the customer or an admin. A failure event that
// arrives after a requested cancellation does not change the reason.
func (o *Order) CancelledByPaymentFailure() bool {
	return o.Status == StatusCancelled && o.CancelReason == CancelPaymentFailed
}

// HasReference reports whether ref matches one of the stored processor
// correlation keys.
func (o *Order) HasReference(ref string) bool {
	if ref == "" {
		return false
	}
	return o.StripeSessionID == ref || o.PaymentReference == ref
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cloned := *o
	if o.UserID != nil {
		userID := *o.UserID
		cloned.UserID = &userID
	}
	cloned.ShippingInfo = cloneMap(o.ShippingInfo)
	if o.Items != nil {
		cloned.Items = make([]OrderItem, len(o.Items))
		for i := range o.Items {
			cloned.Items[i] = o.Items[i].Clone()
		}
	}
	return &cloned
}

type OrderItem struct {
	ID               int64            `json:"id"`
	OrderID          int64            `json:"order_id"`
	ProductID        int64            `json:"product_id"`
	Quantity         int              `json:"quantity"`
	PriceCents       int64            `json:"price_cents"`
	Variant          *VariantSelector `json:"variant_info,omitempty"`
	ReturnStatus     ReturnStatus     `json:"return_status"`
	ReturnQuantity   int              `json:"return_quantity"`
	ReturnedQuantity int              `json:"returned_quantity"`
	ReturnReason     string           `json:"return_reason,omitempty"`
	AdminComment     string           `json:"admin_comment,omitempty"`
}

// ReturnableQuantity is what is left to return after previously approved
// returns.
func (i OrderItem) ReturnableQuantity() int {
	remaining := i.Quantity - i.ReturnedQuantity
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (i OrderItem) Clone() OrderItem {
	cloned := i
	if i.Variant != nil {
		v := *i.Variant
		cloned.Variant = &v
	}
	return cloned
}

type User struct {
	ID      int64  `json:"id" yaml:"id"`
	Email   string `json:"email" yaml:"email"`
	IsAdmin bool   `json:"is_admin" yaml:"is_admin"`
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
