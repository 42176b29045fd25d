package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/gitshopapp/ordercore/internal/auth"
	"github.com/gitshopapp/ordercore/internal/cache"
	"github.com/gitshopapp/ordercore/internal/config"
	"github.com/gitshopapp/ordercore/internal/logging"
	"github.com/gitshopapp/ordercore/internal/services"
	"github.com/gitshopapp/ordercore/internal/store"
)

const (
	maxWebhookBodyBytes = 1 << 20 // 1 MB
	maxRequestBodyBytes = 64 << 10
)

// Handlers provides the HTTP boundary over the order services.
type Handlers struct {
	config       *config.Config
	store        store.Store
	webhookGuard *cache.EventGuard
	orders       *services.OrderService
	returns      *services.ReturnService
	events       *services.EventLog
	stripeRouter *StripeEventRouter
	verifier     *auth.Verifier
	validate     *validator.Validate
	logger       *slog.Logger
}

type Dependencies struct {
	Config        *config.Config
	Store         store.Store
	CacheProvider cache.Provider
	Orders        *services.OrderService
	Returns       *services.ReturnService
	Events        *services.EventLog
	StripeRouter  *StripeEventRouter
	Verifier      *auth.Verifier
	Logger        *slog.Logger
}

func New(deps Dependencies) (*Handlers, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Handlers{
		config:       deps.Config,
		store:        deps.Store,
		webhookGuard: cache.NewEventGuard(deps.CacheProvider, "stripe"),
		orders:       deps.Orders,
		returns:      deps.Returns,
		events:       deps.Events,
		stripeRouter: deps.StripeRouter,
		verifier:     deps.Verifier,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		logger:       logger.With("component", "handlers"),
	}, nil
}

func (d Dependencies) validate() error {
	var missing []string
	for _, dep := range []struct {
		name  string
		unset bool
	}{
		{"config", d.Config == nil},
		{"store", d.Store == nil},
		{"cache provider", d.CacheProvider == nil},
		{"order service", d.Orders == nil},
		{"return service", d.Returns == nil},
		{"event log", d.Events == nil},
		{"stripe router", d.StripeRouter == nil},
		{"verifier", d.Verifier == nil},
	} {
		if dep.unset {
			missing = append(missing, dep.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("handlers: missing dependencies: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.loggerFromContext(ctx)

	if err := h.store.Ping(ctx); err != nil {
		logger.Error("store health check failed", "error", err)
		respondMessage(w, http.StatusServiceUnavailable, "store unhealthy")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// NotFound answers unknown routes with the same JSON envelope as errors.
func (h *Handlers) NotFound(w http.ResponseWriter, _ *http.Request) {
	respondMessage(w, http.StatusNotFound, "route not found")
}

func (h *Handlers) MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	respondMessage(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (h *Handlers) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, h.logger)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}
