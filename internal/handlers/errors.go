package handlers

import (
	"errors"
	"net/http"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"

	"github.com/gitshopapp/ordercore/internal/inventory"
	"github.com/gitshopapp/ordercore/internal/models"
	"github.com/gitshopapp/ordercore/internal/observability"
	"github.com/gitshopapp/ordercore/internal/services"
	"github.com/gitshopapp/ordercore/internal/store"
)

var errMalformedBody = errors.New("malformed request body")

// statusForError maps service failures onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, inventory.ErrVariantNotFound),
		errors.Is(err, services.ErrOrderNotFound),
		errors.Is(err, services.ErrEventNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, inventory.ErrInsufficientStock),
		errors.Is(err, services.ErrExceedsPurchasedQuantity),
		errors.Is(err, services.ErrOrderNotDelivered),
		errors.Is(err, services.ErrInvalidInput),
		errors.Is(err, models.ErrInvalidVariant),
		errors.Is(err, errMalformedBody):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrInconsistentState):
		return http.StatusConflict
	case errors.Is(err, services.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	observability.MeterFromContext(r.Context()).Count(
		"http.handler.errors",
		1,
		sentry.WithAttributes(attribute.Int("http.status_code", status)),
	)

	if status >= http.StatusInternalServerError {
		h.loggerFromContext(r.Context()).Error("request failed", "error", err, "status", status)
	}
	if status == http.StatusInternalServerError {
		respondMessage(w, status, "internal server error")
		return
	}
	respondMessage(w, status, err.Error())
}
