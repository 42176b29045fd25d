package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
	"github.com/lmittmann/tint"

	"github.com/gitshopapp/ordercore/internal/auth"
	"github.com/gitshopapp/ordercore/internal/cache"
	"github.com/gitshopapp/ordercore/internal/catalog"
	"github.com/gitshopapp/ordercore/internal/config"
	"github.com/gitshopapp/ordercore/internal/db"
	"github.com/gitshopapp/ordercore/internal/handlers"
	"github.com/gitshopapp/ordercore/internal/inventory"
	"github.com/gitshopapp/ordercore/internal/logging"
	"github.com/gitshopapp/ordercore/internal/notify"
	"github.com/gitshopapp/ordercore/internal/services"
	"github.com/gitshopapp/ordercore/internal/store"
	"github.com/gitshopapp/ordercore/internal/stripe"
)

const sentryFlushTimeout = 2 * time.Second

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Store         store.Store
	CacheProvider cache.Provider
	Notifier      notify.Notifier
	Handlers      *handlers.Handlers

	sentryEnabled bool
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	sentryEnabled, err := initSentry(cfg)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, sentryEnabled)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer startupCancel()

	a := &App{
		Config:        cfg,
		Logger:        logger,
		sentryEnabled: sentryEnabled,
	}

	st, err := openStore(startupCtx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = st

	cacheProvider, err := cache.NewProvider(cache.Config{
		Provider:              cfg.CacheProvider,
		RedisConnectionString: cfg.RedisConnectionString,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize cache provider: %w", err)
	}
	a.CacheProvider = cacheProvider

	notifier, err := notify.NewNotifier(notify.Config{
		Provider: cfg.NotifierProvider,
		Brokers:  cfg.Brokers(),
		Topic:    cfg.KafkaNotificationTopic,
	}, logger.With("component", "notifier"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}
	a.Notifier = notifier

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize token verifier: %w", err)
	}

	var payments services.PaymentGateway
	if cfg.StripeSecretKey != "" {
		payments = stripe.NewPaymentClient(cfg.StripeSecretKey)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; payment capture and cancel are unavailable")
	}

	ledger := inventory.NewLedger()
	orderService := services.NewOrderService(services.OrderServiceDeps{
		Store:    st,
		Ledger:   ledger,
		Pricer:   catalog.NewPricer(),
		Notifier: notifier,
		Payments: payments,
		Currency: cfg.Currency,
		Logger:   logger,
	})
	eventLog := services.NewEventLog(st)
	reconciler := services.NewReconciler(st, eventLog, orderService, cfg.ReconcileScanLimit, logger)
	orderService.SetPendingReconciler(reconciler)
	returnService := services.NewReturnService(st, ledger, orderService, logger)

	h, err := handlers.New(handlers.Dependencies{
		Config:        cfg,
		Store:         st,
		CacheProvider: cacheProvider,
		Orders:        orderService,
		Returns:       returnService,
		Events:        eventLog,
		StripeRouter:  handlers.NewStripeEventRouter(reconciler, logger.With("component", "stripe_router")),
		Verifier:      verifier,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}
	a.Handlers = h

	return a, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Notifier != nil {
		if err := a.Notifier.Close(); err != nil {
			a.Logger.Warn("failed to close notifier", "error", err)
		}
	}
	if a.CacheProvider != nil {
		closeCacheProvider(a.Logger, a.CacheProvider)
	}
	if a.Store != nil {
		a.Store.Close()
	}
	if a.sentryEnabled {
		sentry.Flush(sentryFlushTimeout)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.UsesMemoryStore() {
		logger.Warn("using in-memory store; orders are lost on restart")
		return store.NewMemoryStore(), nil
	}

	retry := db.RetryPolicy{
		MaxAttempts: cfg.DBConnectMaxAttempts,
		Delay:       cfg.DBConnectRetryDelay,
	}
	pool, err := db.Connect(ctx, db.Options{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		Retry:    retry,
		Logger:   logger.With("component", "db"),
	})
	if err != nil {
		return nil, err
	}

	if cfg.DBAutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	txRetry := db.RetryPolicy{
		MaxAttempts: cfg.DBTxMaxAttempts,
		Delay:       cfg.DBTxRetryDelay,
	}
	return db.NewStore(pool, txRetry, logger.With("component", "store")), nil
}

func initSentry(cfg *config.Config) (bool, error) {
	if strings.TrimSpace(cfg.SentryDSN) == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.SentryEnvironment,
		TracesSampleRate: 1.0,
		EnableLogs:       true,
	})
	if err != nil {
		return false, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return true, nil
}

func newLogger(cfg *config.Config, withSentry bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var console slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "json":
		console = slog.NewJSONHandler(os.Stdout, opts)
	default:
		console = tint.NewHandler(os.Stdout, &tint.Options{Level: cfg.LogLevel})
	}

	if !withSentry {
		return slog.New(console)
	}

	sentryHandler := sentryslog.Option{
		EventLevel: []slog.Level{slog.LevelError},
		LogLevel:   []slog.Level{slog.LevelWarn, slog.LevelInfo},
	}.NewSentryHandler(context.Background())
	return slog.New(logging.MultiHandler(console, sentryHandler))
}

func closeCacheProvider(logger *slog.Logger, provider cache.Provider) {
	if provider == nil {
		return
	}
	if err := provider.Close(); err != nil && logger != nil {
		logger.Warn("failed to close cache provider", "error", err)
	}
}
