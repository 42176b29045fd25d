package handlers

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gitshopapp/ordercore/internal/logging"
	"github.com/gitshopapp/ordercore/internal/observability"
)

const (
	requestIDHeader    = "X-Request-ID"
	maxRequestIDLength = 128
)

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (w *statusRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusRecorder) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// RequestLogger tags the request with an ID, stores a request logger in the
// context and logs one line when the handler returns.
func (h *Handlers) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := requestIDFromRequest(r)
		w.Header().Set(requestIDHeader, requestID)
		r.Header.Set(requestIDHeader, requestID)

		route := routeLabel(r)
		ctx, logger := logging.With(r.Context(), h.logger, requestLogAttrs(r, requestID, route)...)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		recordRequestMetrics(r, route, rec.code(), elapsed)

		attrs := []any{
			"status", rec.code(),
			"duration_ms", elapsed.Milliseconds(),
			"bytes", rec.written,
		}
		switch {
		case r.URL.Path == "/health":
			logger.Debug("health check completed", attrs...)
		case rec.code() >= http.StatusInternalServerError:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	})
}

func requestLogAttrs(r *http.Request, requestID, route string) []any {
	attrs := []any{
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"remote_ip", clientIP(r),
	}
	if route != "" {
		attrs = append(attrs, "route", route)
	}
	if ua := strings.TrimSpace(r.UserAgent()); ua != "" {
		attrs = append(attrs, "user_agent", ua)
	}
	if r.ContentLength > 0 {
		attrs = append(attrs, "content_length", r.ContentLength)
	}
	return attrs
}

func recordRequestMetrics(r *http.Request, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	attrs := []attribute.Builder{
		attribute.String("http.method", r.Method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	}

	ctx := r.Context()
	observability.Count(ctx, "http.server.requests", 1, attrs...)
	if status >= http.StatusInternalServerError {
		observability.Count(ctx, "http.server.errors", 1, attrs...)
	}
	observability.MeterFromContext(ctx).Distribution(
		"http.server.duration",
		float64(elapsed.Milliseconds()),
		sentry.WithUnit(sentry.UnitMillisecond),
		sentry.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.status_class", strconv.Itoa(status/100)+"xx"),
		),
	)
}

// requestIDFromRequest keeps a caller supplied ID when it is short and
// printable, otherwise it mints a time ordered one.
func requestIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(requestIDHeader)); validRequestID(id) {
		return id
	}
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	if name := route.GetName(); name != "" {
		return name
	}
	template, _ := route.GetPathTemplate()
	return template
}
