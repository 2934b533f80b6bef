package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
	"github.com/shandysiswandi/otpgate/internal/pkg/instrument"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type DB struct {
	conn *pgxpool.Pool
	ins  instrument.Instrumentation
}

func NewDB(conn *pgxpool.Pool, ins instrument.Instrumentation) *DB {
	return &DB{
		conn: conn,
		ins:  ins,
	}
}

// mapError translates driver errors into package sentinels. Unique violations
// (23505) become goerror.ErrConflict; serialization failures and deadlocks
// (40001, 40P01) pass through and are retried in InTx.
func (s *DB) mapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return goerror.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return goerror.ErrConflict
	}

	return err
}

func (s *DB) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.ins.Tracer("otp.outbound.db").Start(ctx, name)
}

func (s *DB) endSpan(span trace.Span, err error) {
	if err != nil &&
		!errors.Is(err, goerror.ErrNotFound) &&
		!errors.Is(err, goerror.ErrConflict) &&
		!errors.Is(err, goerror.ErrStaleState) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// GetIdempotencyEntry reads a committed entry from the pool, outside any
// transaction, so it never observes an in-flight uncommitted write.
func (s *DB) GetIdempotencyEntry(ctx context.Context, key string) (out *entity.IdempotencyEntry, err error) {
	ctx, span := s.startSpan(ctx, "GetIdempotencyEntry")
	defer func() { s.endSpan(span, err) }()

	const query = `
		SELECT key, response_status, response_payload, created_at
		FROM idempotency_entries
		WHERE key = $1`

	var entry entity.IdempotencyEntry
	err = s.conn.QueryRow(ctx, query, key).
		Scan(&entry.Key, &entry.Status, &entry.Payload, &entry.CreatedAt)
	if err != nil {
		return nil, s.mapError(err)
	}

	return &entry, nil
}
