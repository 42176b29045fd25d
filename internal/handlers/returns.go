package handlers

import (
	"net/http"

	"github.com/gitshopapp/ordercore/internal/services"
)

type returnItemRequest struct {
	OrderItemID int64  `json:"order_item_id" validate:"required,gt=0"`
	Quantity    int    `json:"quantity" validate:"required,gt=0"`
	Reason      string `json:"reason" validate:"max=1000"`
}

type returnRequest struct {
	Items []returnItemRequest `json:"items" validate:"required,min=1,dive"`
}

type returnDecisionRequest struct {
	OrderItemID  int64  `json:"order_item_id" validate:"required,gt=0"`
	Approved     bool   `json:"approved"`
	AdminComment string `json:"admin_comment" validate:"max=1000"`
}

type validateReturnRequest struct {
	Items []returnDecisionRequest `json:"items" validate:"required,min=1,dive"`
}

type markRefundedRequest struct {
	RefundID     string `json:"refund_id" validate:"required,max=255"`
	AdminComment string `json:"admin_comment" validate:"max=1000"`
}

func (h *Handlers) RequestReturn(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	orderID, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var req returnRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	items := make([]services.ReturnRequestItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.ReturnRequestItem{
			OrderItemID: item.OrderItemID,
			Quantity:    item.Quantity,
			Reason:      item.Reason,
		})
	}

	order, err := h.returns.RequestReturn(r.Context(), caller, orderID, items)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *Handlers) ValidateReturn(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	orderID, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var req validateReturnRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	decisions := make([]services.ReturnDecision, 0, len(req.Items))
	for _, item := range req.Items {
		decisions = append(decisions, services.ReturnDecision{
			OrderItemID:  item.OrderItemID,
			Approved:     item.Approved,
			AdminComment: item.AdminComment,
		})
	}

	order, err := h.returns.ValidateReturn(r.Context(), caller, orderID, decisions)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func (h *Handlers) MarkRefunded(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	orderID, err := pathID(r, "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	var req markRefundedRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	order, err := h.returns.MarkRefunded(r.Context(), caller, orderID, req.RefundID, req.AdminComment)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}
