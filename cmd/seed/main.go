package main

// Command seed loads a YAML catalog of products, variants and users into
// the order database.

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/lmittmann/tint"

	"github.com/gitshopapp/ordercore/internal/catalog"
	"github.com/gitshopapp/ordercore/internal/db"
)

type seedConfig struct {
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBConnectMaxAttempts int           `env:"DB_CONNECT_MAX_ATTEMPTS" envDefault:"5"`
	DBConnectRetryDelay  time.Duration `env:"DB_CONNECT_RETRY_DELAY" envDefault:"5s"`
	LogLevel             slog.Level    `env:"LOG_LEVEL" envDefault:"INFO"`
}

func main() {
	path := flag.String("file", "config/catalog.yaml", "path to the catalog seed file")
	flag.Parse()

	logger := slog.New(tint.NewHandler(os.Stderr, nil))

	var cfg seedConfig
	if err := env.Parse(&cfg); err != nil {
		logger.Error("failed to parse config", "error", err)
		os.Exit(1)
	}
	logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: cfg.LogLevel}))

	if err := run(cfg, *path, logger); err != nil {
		logger.Error("seed failed", "error", err, "file", *path)
		os.Exit(1)
	}
}

func run(cfg seedConfig, path string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	seed, err := catalog.NewParser().ParseFile(path)
	if err != nil {
		return err
	}

	pool, err := db.Connect(ctx, db.Options{
		URL: cfg.DatabaseURL,
		Retry: db.RetryPolicy{
			MaxAttempts: cfg.DBConnectMaxAttempts,
			Delay:       cfg.DBConnectRetryDelay,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return err
	}

	st := db.NewStore(pool, db.DefaultTxRetryPolicy, logger)
	defer st.Close()

	result, err := catalog.NewSeeder(st).Apply(ctx, seed)
	if err != nil {
		return err
	}
	logger.Info("catalog seeded", "products", result.Products, "users", result.Users)
	return nil
}
