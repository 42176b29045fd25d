// Package db provides the Postgres implementation of the order store.
package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// RetryPolicy bounds retries of connection attempts and of transactions
// aborted by deadlock or serialization failures.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy matches the deployment defaults: five attempts spaced
// five seconds apart.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Delay: 5 * time.Second}

// DefaultTxRetryPolicy retries transactions aborted by deadlock or
// serialization failures a few times with a short pause.
var DefaultTxRetryPolicy = RetryPolicy{MaxAttempts: 3, Delay: 50 * time.Millisecond}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs fn until it succeeds, retryable rejects its error, the attempt
// budget is spent, or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func(attempt int) error) error {
	var err error
	for attempt := 1; attempt <= p.attempts(); attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if attempt == p.attempts() || (retryable != nil && !retryable(err)) {
			return err
		}

		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}

type Options struct {
	URL      string
	MaxConns int32
	Retry    RetryPolicy
	Logger   *slog.Logger
}

func Connect(ctx context.Context, opts Options) (*pgxpool.Pool, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}

	config, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.ConnConfig.Tracer = newQueryTracer()

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var pool *pgxpool.Pool
	err = opts.Retry.Do(ctx, nil, func(attempt int) error {
		candidate, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := candidate.Ping(ctx); err != nil {
			candidate.Close()
			logger.Warn("database not reachable yet", "attempt", attempt, "max_attempts", opts.Retry.attempts(), "error", err)
			return fmt.Errorf("failed to ping database: %w", err)
		}
		pool = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("connected to database", "max_conns", config.MaxConns)
	return pool, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// isRetryableTxError reports deadlocks and serialization failures.
func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40P01", "40001":
		return true
	default:
		return false
	}
}
