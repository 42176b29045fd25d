package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/gitshopapp/ordercore/internal/services"
)

const maxEventListLimit = 500

// ListEvents shows the processor event log with every processing attempt.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	if !caller.IsAdmin {
		h.respondError(w, r, services.ErrForbidden)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxEventListLimit)
	}

	records, err := h.events.List(r.Context(), limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": records})
}

// ReplayEvent re-runs a logged event, typically one left unmatched or failed.
func (h *Handlers) ReplayEvent(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}
	if !caller.IsAdmin {
		h.respondError(w, r, services.ErrForbidden)
		return
	}

	eventID := strings.TrimSpace(mux.Vars(r)["id"])
	if eventID == "" {
		respondMessage(w, http.StatusBadRequest, "missing event id")
		return
	}

	res, err := h.stripeRouter.Replay(r.Context(), eventID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.loggerFromContext(r.Context()).Info("processor event replayed", "event_id", eventID, "outcome", res.Outcome)
	respondJSON(w, http.StatusOK, res)
}
