package handlers

import (
	"errors"
	"net/http"

	"github.com/gitshopapp/ordercore/internal/models"
	stripewebhook "github.com/gitshopapp/ordercore/internal/stripe"
)

// StripeWebhook verifies and processes a Stripe delivery. Once the event is
// logged the response is always 200; the event log keeps the outcome.
func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)

	event, err := stripewebhook.ReadWebhookEvent(r, h.config.StripeWebhookSecret)
	switch {
	case errors.Is(err, stripewebhook.ErrInvalidSignature):
		logger.Warn("rejected Stripe webhook", "error", err)
		respondMessage(w, http.StatusBadRequest, "invalid signature")
		return
	case err != nil:
		logger.Error("failed to read Stripe webhook payload", "error", err)
		respondMessage(w, http.StatusBadRequest, "invalid webhook")
		return
	}
	logger = logger.With("event_id", event.ID, "type", event.Type)

	claimed, err := h.webhookGuard.Begin(ctx, event.ID)
	if err != nil {
		// The event log still deduplicates.
		logger.Warn("webhook cache unavailable", "error", err)
		claimed = true
	}
	if !claimed {
		logger.Info("webhook already processed or in flight")
		respondJSON(w, http.StatusOK, map[string]string{"outcome": string(models.OutcomeDuplicate)})
		return
	}

	res, err := h.stripeRouter.Handle(ctx, event)
	if err != nil {
		h.releaseWebhook(r, event.ID)
		logger.Error("failed to log Stripe webhook", "error", err)
		respondMessage(w, http.StatusInternalServerError, "processing failed")
		return
	}

	if res.Outcome.Settled() || res.Outcome == models.OutcomeDuplicate {
		if err := h.webhookGuard.Settle(ctx, event.ID); err != nil {
			logger.Error("failed to mark webhook as processed in cache", "error", err)
		}
	} else {
		h.releaseWebhook(r, event.ID)
	}

	respondJSON(w, http.StatusOK, res)
}

func (h *Handlers) releaseWebhook(r *http.Request, eventID string) {
	if err := h.webhookGuard.Release(r.Context(), eventID); err != nil {
		h.loggerFromContext(r.Context()).Warn("failed to release webhook claim", "error", err, "event_id", eventID)
	}
}
