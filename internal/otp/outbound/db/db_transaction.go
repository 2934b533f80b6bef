package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"github.com/shandysiswandi/otpgate/internal/otp/usecase"
)

// InTx runs fn inside one transaction holding advisory locks on the given
// keys. Serialization failures and deadlocks are retried a bounded number of
// times; fn must therefore be safe to re-run from scratch.
func (s *DB) InTx(ctx context.Context, keys usecase.LockKeys, fn func(tx usecase.Store) error) (err error) {
	ctx, span := s.startSpan(ctx, "InTx")
	defer func() { s.endSpan(span, err) }()

	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(25*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if txErr := s.runTx(ctx, keys, fn); txErr != nil {
			if retryableTxError(txErr) {
				return retry.RetryableError(txErr)
			}
			return txErr
		}
		return nil
	})

	return err
}

func (s *DB) runTx(ctx context.Context, keys usecase.LockKeys, fn func(tx usecase.Store) error) error {
	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if rErr := tx.Rollback(ctx); rErr != nil && !errors.Is(rErr, pgx.ErrTxClosed) {
			slog.ErrorContext(ctx, "failed to rolback", "error", rErr)
		}
	}()

	// Fixed acquisition order Pair, Identity, Origin keeps concurrent units
	// of work from deadlocking against each other. Locks release on commit
	// or rollback.
	for _, key := range []string{keys.Pair, keys.Identity, keys.Origin} {
		if key == "" {
			continue
		}
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
			return err
		}
	}

	if err := fn(&txStore{tx: tx, db: s}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func retryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
