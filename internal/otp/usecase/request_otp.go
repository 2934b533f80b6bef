package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
	"github.com/shandysiswandi/otpgate/internal/pkg/idempotency"
)

type RequestOtpInput struct {
	IdentityID     int64  `validate:"required"`
	Purpose        string `validate:"required,purpose"`
	OriginAddress  string
	IdempotencyKey string `validate:"required"`
}

// RequestOtpOutput carries the HTTP status classification and the payload
// bytes exactly as they are cached, so idempotent replays are byte-identical.
type RequestOtpOutput struct {
	Status  int
	Payload json.RawMessage
}

type issuedPayload struct {
	OtpID                 int64 `json:"otp_id"`
	TTL                   int64 `json:"ttl"`
	RemainingUserRequests int64 `json:"remaining_user_requests"`
	RemainingIPRequests   int64 `json:"remaining_ip_requests"`
}

type rejectedPayload struct {
	Reason                   string `json:"reason"`
	CooldownSecondsRemaining int64  `json:"cooldown_seconds_remaining,omitempty"`
}

const reasonActiveExists = "An active OTP already exists."

// RequestOtp processes one issuance request: idempotency replay, then the
// rate-limit / uniqueness / issuance sequence inside one atomic unit of work.
func (s *Usecase) RequestOtp(ctx context.Context, in RequestOtpInput) (*RequestOtpOutput, error) {
	ctx, span := s.startSpan(ctx, "RequestOtp")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	if out, err := s.replayFreshEntry(ctx, in.IdempotencyKey); err != nil || out != nil {
		return out, err
	}

	state, err := s.guard.Acquire(ctx, in.IdempotencyKey, guardLockDuration)
	if err != nil {
		// The guard is an optimization over durable first-write-wins state,
		// a cache outage must not block issuance.
		slog.WarnContext(ctx, "idempotency guard unavailable", "error", err)
		state = idempotency.StateNone
	}

	switch state {
	case idempotency.StateInProgress:
		payload, err := json.Marshal(rejectedPayload{Reason: "request_in_progress"})
		if err != nil {
			return nil, goerror.NewServer(err)
		}
		return &RequestOtpOutput{Status: http.StatusConflict, Payload: payload}, nil

	case idempotency.StateCompleted:
		// A concurrent holder committed after our replay lookup.
		if out, err := s.replayFreshEntry(ctx, in.IdempotencyKey); err != nil || out != nil {
			return out, err
		}
	}

	out, issued, err := s.issue(ctx, in)
	if err != nil {
		if gErr := s.guard.MarkFailed(ctx, in.IdempotencyKey, guardLockDuration); gErr != nil {
			slog.WarnContext(ctx, "failed to mark idempotency guard", "error", gErr)
		}
		slog.ErrorContext(ctx, "issuance unit of work failed",
			"identity_id", in.IdentityID, "purpose", in.Purpose, "error", err)
		return nil, goerror.NewServer(err)
	}

	if gErr := s.guard.MarkCompleted(ctx, in.IdempotencyKey, idempotencyFreshness); gErr != nil {
		slog.WarnContext(ctx, "failed to mark idempotency guard", "error", gErr)
	}

	if issued != nil {
		rec := *issued
		// The record is committed; a client disconnect must not drop the event.
		s.goroutine.Go(context.WithoutCancel(ctx), func(gctx context.Context) error {
			return s.repoMessaging.PublishOtpIssued(gctx, OtpIssuedEvent{
				OtpID:      rec.ID,
				IdentityID: rec.IdentityID,
				Purpose:    rec.Purpose,
				Code:       rec.Code,
				ExpiresAt:  rec.ExpiresAt,
			})
		})
	}

	return out, nil
}

// replayFreshEntry returns the cached outcome when a committed entry is still
// inside the freshness window, touching no other state.
func (s *Usecase) replayFreshEntry(ctx context.Context, key string) (*RequestOtpOutput, error) {
	entry, err := s.repoDB.GetIdempotencyEntry(ctx, key)
	if errors.Is(err, goerror.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to read idempotency entry", "error", err)
		return nil, goerror.NewServer(err)
	}

	if !entry.Fresh(s.clock.Now(), idempotencyFreshness) {
		return nil, nil
	}

	return &RequestOtpOutput{Status: entry.Status, Payload: entry.Payload}, nil
}

// issue runs the layered decision sequence inside one atomic unit of work and
// returns the outcome plus the created record when issuance happened.
func (s *Usecase) issue(ctx context.Context, in RequestOtpInput) (*RequestOtpOutput, *entity.OtpRecord, error) {
	keys := LockKeys{
		Pair:     "otp:" + strconv.FormatInt(in.IdentityID, 10) + ":" + in.Purpose,
		Identity: "rlu:" + strconv.FormatInt(in.IdentityID, 10),
		Origin:   "rlo:" + in.OriginAddress,
	}

	var out *RequestOtpOutput
	var issued *entity.OtpRecord

	err := s.repoDB.InTx(ctx, keys, func(tx Store) error {
		out, issued = nil, nil
		now := s.clock.Now()
		since := now.Add(-rateWindow)

		// A duplicate holding the same key may have committed between the
		// unlocked replay lookup and lock acquisition. The locked re-read
		// makes its outcome ours instead of computing a divergent one.
		entry, err := tx.GetIdempotencyEntry(ctx, in.IdempotencyKey)
		if err != nil && !errors.Is(err, goerror.ErrNotFound) {
			return err
		}
		if entry != nil && entry.Fresh(now, idempotencyFreshness) {
			out = &RequestOtpOutput{Status: entry.Status, Payload: entry.Payload}
			return nil
		}

		userWin, err := tx.CountRecentByIdentity(ctx, in.IdentityID, since)
		if err != nil {
			return err
		}
		if userWin.Count >= userRateLimit {
			return s.reject(ctx, tx, in.IdempotencyKey, now, &out, http.StatusTooManyRequests, rejectedPayload{
				Reason:                   "user_rate_limit_exceeded",
				CooldownSecondsRemaining: cooldownSeconds(now, userWin.Earliest),
			})
		}

		originWin, err := tx.CountRecentByOrigin(ctx, in.OriginAddress, since)
		if err != nil {
			return err
		}
		if originWin.Count >= originRateLimit {
			return s.reject(ctx, tx, in.IdempotencyKey, now, &out, http.StatusTooManyRequests, rejectedPayload{
				Reason:                   "ip_rate_limit_exceeded",
				CooldownSecondsRemaining: cooldownSeconds(now, originWin.Earliest),
			})
		}

		cur, err := tx.FindCurrentOtp(ctx, in.IdentityID, in.Purpose)
		if err != nil && !errors.Is(err, goerror.ErrNotFound) {
			return err
		}
		if cur != nil && cur.State == entity.OtpStateActive {
			if !cur.Expired(now) {
				return s.reject(ctx, tx, in.IdempotencyKey, now, &out, http.StatusConflict, rejectedPayload{
					Reason: reasonActiveExists,
				})
			}
			// Expiry sweep: retire the stale record and issue a fresh one.
			if err := tx.TransitionOtp(ctx, cur.ID, entity.OtpStateActive, entity.OtpStateExpired, cur.Attempts); err != nil {
				return err
			}
		}

		code, err := s.generateCode()
		if err != nil {
			return err
		}

		rec := entity.OtpRecord{
			ID:         s.uid.Generate(),
			IdentityID: in.IdentityID,
			Purpose:    in.Purpose,
			Code:       code,
			State:      entity.OtpStateActive,
			CreatedAt:  now,
			ExpiresAt:  now.Add(otpTTL),
		}
		if err := tx.CreateOtp(ctx, rec); err != nil {
			if errors.Is(err, goerror.ErrConflict) {
				return s.reject(ctx, tx, in.IdempotencyKey, now, &out, http.StatusConflict, rejectedPayload{
					Reason: reasonActiveExists,
				})
			}
			return err
		}

		if err := tx.RecordRateEvent(ctx, entity.RateLimitEvent{
			ID:            s.uid.Generate(),
			IdentityID:    in.IdentityID,
			OriginAddress: in.OriginAddress,
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		payload, err := json.Marshal(issuedPayload{
			OtpID:                 rec.ID,
			TTL:                   int64(otpTTL.Seconds()),
			RemainingUserRequests: (userRateLimit - 1) - userWin.Count,
			RemainingIPRequests:   (originRateLimit - 1) - originWin.Count,
		})
		if err != nil {
			return err
		}

		out = &RequestOtpOutput{Status: http.StatusCreated, Payload: payload}
		issued = &rec

		return tx.SaveIdempotencyEntry(ctx, entity.IdempotencyEntry{
			Key:       in.IdempotencyKey,
			Status:    out.Status,
			Payload:   out.Payload,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, nil, err
	}

	return out, issued, nil
}

// reject caches a business rejection under the idempotency key and records it
// as the outcome. Rejections commit (the cached entry must survive) but write
// no OTP or rate-limit state.
func (s *Usecase) reject(ctx context.Context, tx Store, key string, now time.Time, out **RequestOtpOutput, status int, p rejectedPayload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}

	*out = &RequestOtpOutput{Status: status, Payload: payload}

	return tx.SaveIdempotencyEntry(ctx, entity.IdempotencyEntry{
		Key:       key,
		Status:    status,
		Payload:   payload,
		CreatedAt: now,
	})
}
