// Package server exposes the order core over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gitshopapp/ordercore/internal/config"
	"github.com/gitshopapp/ordercore/internal/handlers"
)

const (
	readHeaderTimeout = 5 * time.Second
	maxHeaderBytes    = 1 << 20

	orderPath = "/orders/{id:[0-9]+}"
)

type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
}

func New(cfg *config.Config, logger *slog.Logger, h *handlers.Handlers) (*Server, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("server: config is required")
	case logger == nil:
		return nil, errors.New("server: logger is required")
	case h == nil:
		return nil, errors.New("server: handlers are required")
	}

	return &Server{
		logger: logger.With("component", "server"),
		httpServer: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           newRouter(h),
			ReadTimeout:       cfg.HTTPReadTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
	}, nil
}

// Run serves until Close is called. A clean shutdown returns nil.
func (s *Server) Run() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Close stops accepting connections and waits for in-flight requests until
// ctx expires.
func (s *Server) Close(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	start := time.Now()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("stopped", "drain_ms", time.Since(start).Milliseconds())
	return nil
}

// Handler exposes the routed handler, mainly for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func newRouter(h *handlers.Handlers) *mux.Router {
	r := mux.NewRouter()
	r.Use(h.RequestLogger, h.SecurityHeaders, h.MetricsContext)

	// Router middleware only wraps matched routes.
	r.NotFoundHandler = h.RequestLogger(h.SecurityHeaders(http.HandlerFunc(h.NotFound)))
	r.MethodNotAllowedHandler = h.RequestLogger(h.SecurityHeaders(http.HandlerFunc(h.MethodNotAllowed)))

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet).Name("health")
	r.HandleFunc("/webhooks/stripe", h.StripeWebhook).Methods(http.MethodPost).Name("webhooks.stripe")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.Authenticate, h.RequireJSON)
	registerOrderRoutes(api, h)
	registerAdminRoutes(api, h)

	return r
}

func registerOrderRoutes(r *mux.Router, h *handlers.Handlers) {
	r.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost).Name("orders.create")
	r.HandleFunc("/orders/by-reference/{reference}", h.GetOrderByReference).Methods(http.MethodGet).Name("orders.get_by_reference")

	routes := []struct {
		suffix  string
		method  string
		name    string
		handler http.HandlerFunc
	}{
		{"", http.MethodGet, "orders.get", h.GetOrder},
		{"", http.MethodDelete, "orders.cancel", h.CancelOrder},
		{"/deliver", http.MethodPatch, "orders.deliver", h.MarkDelivered},
		{"/return", http.MethodPatch, "orders.return", h.RequestReturn},
		{"/return/validate", http.MethodPatch, "orders.return.validate", h.ValidateReturn},
		{"/mark-refunded", http.MethodPatch, "orders.mark_refunded", h.MarkRefunded},
		{"/payment/capture", http.MethodPost, "orders.payment.capture", h.CapturePayment},
		{"/payment/cancel", http.MethodPost, "orders.payment.cancel", h.CancelPayment},
	}
	for _, route := range routes {
		r.HandleFunc(orderPath+route.suffix, route.handler).Methods(route.method).Name(route.name)
	}
}

func registerAdminRoutes(r *mux.Router, h *handlers.Handlers) {
	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/events", h.ListEvents).Methods(http.MethodGet).Name("admin.events.list")
	admin.HandleFunc("/events/{id}/replay", h.ReplayEvent).Methods(http.MethodPost).Name("admin.events.replay")
}
