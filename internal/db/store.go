package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitshopapp/ordercore/internal/store"
)

// Store runs transactions against a pgx pool. Deadlocks and serialization
// failures restart the whole transaction under the retry policy.
type Store struct {
	pool   *pgxpool.Pool
	retry  RetryPolicy
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, retry RetryPolicy, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{pool: pool, retry: retry, logger: logger}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	span := sentry.StartSpan(
		ctx,
		"db.transaction",
		sentry.WithDescription("Store.InTx"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	err := s.retry.Do(ctx, isRetryableTxError, func(attempt int) error {
		span.SetData("db.tx_attempt", attempt)
		err := s.runTx(ctx, fn)
		if err != nil && isRetryableTxError(err) {
			s.logger.Warn("retrying transaction", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return err
	}
	span.Status = sentry.SpanStatusOK
	return nil
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Error("failed to roll back transaction", "error", rbErr)
			}
		}
	}()

	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// pgTx implements store.Tx on top of a single pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

var _ store.Tx = (*pgTx)(nil)

func notFound(err error, what string) error {
	if isNoRows(err) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
