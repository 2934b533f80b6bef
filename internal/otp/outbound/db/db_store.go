package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
)

// txStore implements the coordinators' Store contract against one open
// transaction.
type txStore struct {
	tx pgx.Tx
	db *DB
}

func (s *txStore) FindCurrentOtp(ctx context.Context, identityID int64, purpose string) (out *entity.OtpRecord, err error) {
	ctx, span := s.db.startSpan(ctx, "FindCurrentOtp")
	defer func() { s.db.endSpan(span, err) }()

	const query = `
		SELECT id, identity_id, purpose, code, state, attempts, created_at, expires_at
		FROM otp_records
		WHERE identity_id = $1 AND purpose = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`

	var rec entity.OtpRecord
	err = s.tx.QueryRow(ctx, query, identityID, purpose).Scan(
		&rec.ID,
		&rec.IdentityID,
		&rec.Purpose,
		&rec.Code,
		&rec.State,
		&rec.Attempts,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		return nil, s.db.mapError(err)
	}

	return &rec, nil
}

func (s *txStore) CreateOtp(ctx context.Context, rec entity.OtpRecord) (err error) {
	ctx, span := s.db.startSpan(ctx, "CreateOtp")
	defer func() { s.db.endSpan(span, err) }()

	// The conflict target matches the partial unique index guarding the
	// single-Active invariant; losing the race reports a conflict without
	// aborting the surrounding transaction.
	const query = `
		INSERT INTO otp_records (id, identity_id, purpose, code, state, attempts, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity_id, purpose) WHERE state = 1 DO NOTHING`

	tag, err := s.tx.Exec(ctx, query,
		rec.ID,
		rec.IdentityID,
		rec.Purpose,
		rec.Code,
		rec.State,
		rec.Attempts,
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return s.db.mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return goerror.ErrConflict
	}

	return nil
}

func (s *txStore) TransitionOtp(ctx context.Context, id int64, from, to entity.OtpState, attempts int32) (err error) {
	ctx, span := s.db.startSpan(ctx, "TransitionOtp")
	defer func() { s.db.endSpan(span, err) }()

	const query = `
		UPDATE otp_records
		SET state = $2, attempts = $3
		WHERE id = $1 AND state = $4`

	tag, err := s.tx.Exec(ctx, query, id, to, attempts, from)
	if err != nil {
		return s.db.mapError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err = s.tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM otp_records WHERE id = $1)", id).Scan(&exists); err != nil {
		return s.db.mapError(err)
	}
	if !exists {
		return goerror.ErrNotFound
	}

	return goerror.ErrStaleState
}

func (s *txStore) CountRecentByIdentity(ctx context.Context, identityID int64, since time.Time) (*entity.RateWindow, error) {
	const query = `
		SELECT COUNT(*), MIN(created_at)
		FROM rate_limit_events
		WHERE identity_id = $1 AND created_at >= $2`

	return s.scanWindow(ctx, "CountRecentByIdentity", query, identityID, since)
}

func (s *txStore) CountRecentByOrigin(ctx context.Context, origin string, since time.Time) (*entity.RateWindow, error) {
	const query = `
		SELECT COUNT(*), MIN(created_at)
		FROM rate_limit_events
		WHERE origin_address = $1 AND created_at >= $2`

	return s.scanWindow(ctx, "CountRecentByOrigin", query, origin, since)
}

func (s *txStore) scanWindow(ctx context.Context, name, query string, args ...any) (out *entity.RateWindow, err error) {
	ctx, span := s.db.startSpan(ctx, name)
	defer func() { s.db.endSpan(span, err) }()

	var win entity.RateWindow
	var earliest pgtype.Timestamptz
	if err = s.tx.QueryRow(ctx, query, args...).Scan(&win.Count, &earliest); err != nil {
		return nil, s.db.mapError(err)
	}
	if earliest.Valid {
		win.Earliest = earliest.Time
	}

	return &win, nil
}

func (s *txStore) RecordRateEvent(ctx context.Context, ev entity.RateLimitEvent) (err error) {
	ctx, span := s.db.startSpan(ctx, "RecordRateEvent")
	defer func() { s.db.endSpan(span, err) }()

	const query = `
		INSERT INTO rate_limit_events (id, identity_id, origin_address, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err = s.tx.Exec(ctx, query, ev.ID, ev.IdentityID, ev.OriginAddress, ev.CreatedAt)
	return s.db.mapError(err)
}

func (s *txStore) GetIdempotencyEntry(ctx context.Context, key string) (out *entity.IdempotencyEntry, err error) {
	ctx, span := s.db.startSpan(ctx, "GetIdempotencyEntry")
	defer func() { s.db.endSpan(span, err) }()

	const query = `
		SELECT key, response_status, response_payload, created_at
		FROM idempotency_entries
		WHERE key = $1`

	var entry entity.IdempotencyEntry
	err = s.tx.QueryRow(ctx, query, key).
		Scan(&entry.Key, &entry.Status, &entry.Payload, &entry.CreatedAt)
	if err != nil {
		return nil, s.db.mapError(err)
	}

	return &entry, nil
}

func (s *txStore) SaveIdempotencyEntry(ctx context.Context, entry entity.IdempotencyEntry) (err error) {
	ctx, span := s.db.startSpan(ctx, "SaveIdempotencyEntry")
	defer func() { s.db.endSpan(span, err) }()

	const query = `
		INSERT INTO idempotency_entries (key, response_status, response_payload, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`

	_, err = s.tx.Exec(ctx, query, entry.Key, entry.Status, entry.Payload, entry.CreatedAt)
	return s.db.mapError(err)
}
