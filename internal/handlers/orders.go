package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gitshopapp/ordercore/internal/auth"
	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/services"
)

// createOrderItemRequest accepts the product as "id" or "product_id".
// "id" wins when both are sent.
type createOrderItemRequest struct {
	ProductID      int64                   `json:"id" validate:"required_without=ProductIDAlias,gte=0"`
	ProductIDAlias int64                   `json:"product_id" validate:"required_without=ProductID,gte=0"`
	Quantity       int                     `json:"quantity" validate:"required,gt=0"`
	Variant        *models.VariantSelector `json:"variant" validate:"required"`
}

func (item createOrderItemRequest) productID() int64 {
	if item.ProductID != 0 {
		return item.ProductID
	}
	return item.ProductIDAlias
}

type createOrderRequest struct {
	Items             []createOrderItemRequest `json:"items" validate:"required,min=1,dive"`
	ShippingMethod    string                   `json:"shipping_method" validate:"omitempty,oneof=standard express pickup"`
	ShippingInfo      map[string]any           `json:"shipping_info"`
	CustomerEmail     string                   `json:"customer_email" validate:"omitempty,email"`
	CheckoutReference string                   `json:"checkout_reference" validate:"omitempty,max=255"`
}

func (req createOrderRequest) input() services.CreateOrderInput {
	items := make([]services.LineItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.LineItemInput{
			ProductID: item.productID(),
			Quantity:  item.Quantity,
			Variant:   item.Variant,
		})
	}

	email := req.CustomerEmail
	if email == "" {
		if raw, ok := req.ShippingInfo["email"].(string); ok {
			email = raw
		}
	}

	return services.CreateOrderInput{
		Items:             items,
		ShippingMethod:    models.NormalizeShippingMethod(req.ShippingMethod),
		ShippingInfo:      req.ShippingInfo,
		CustomerEmail:     email,
		CheckoutReference: req.CheckoutReference,
	}
}

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	order, err := h.orders.Create(r.Context(), caller, req.input())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

type orderAction func(ctx context.Context, principal auth.Principal, orderID int64) (*models.Order, error)

// orderCommand adapts an id-only order operation to an HTTP handler.
func (h *Handlers) orderCommand(action orderAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := principal(w, r)
		if !ok {
			return
		}
		orderID, err := pathID(r, "id")
		if err != nil {
			h.respondError(w, r, err)
			return
		}

		order, err := action(r.Context(), caller, orderID)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, order)
	}
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(h.orders.Get)(w, r)
}

func (h *Handlers) GetOrderByReference(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetByReference(r.Context(), caller, mux.Vars(r)["reference"])
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(h.orders.Cancel)(w, r)
}

func (h *Handlers) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(h.orders.MarkDelivered)(w, r)
}

func (h *Handlers) CapturePayment(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(h.orders.CapturePayment)(w, r)
}

func (h *Handlers) CancelPayment(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(h.orders.CancelPayment)(w, r)
}
