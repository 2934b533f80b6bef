package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
)

type VerifyOtpInput struct {
	IdentityID int64  `validate:"required"`
	Purpose    string `validate:"required,purpose"`
	Code       string `validate:"required"`
}

// Verification rejection reasons. Used, Expired, and Locked records are all
// reported as code_used so a caller cannot probe why a code stopped working.
const (
	ReasonWrongCode        = "wrong_code"
	ReasonAttemptsExceeded = "attempts_exceeded"
	ReasonCodeExpired      = "code_expired"
	ReasonCodeUsed         = "code_used"
)

type VerifyOtpOutput struct {
	Status            int
	Reason            string
	AttemptsRemaining int32
	Verified          bool
}

// VerifyOtp checks a submitted code against the current record for the pair.
// Evaluation order is fixed: state, expiry, code, attempt bookkeeping, all
// inside one atomic unit of work.
func (s *Usecase) VerifyOtp(ctx context.Context, in VerifyOtpInput) (*VerifyOtpOutput, error) {
	ctx, span := s.startSpan(ctx, "VerifyOtp")
	defer span.End()

	if err := s.validator.Validate(in); err != nil {
		return nil, goerror.NewInvalidInput(err)
	}

	keys := LockKeys{
		Pair: "otp:" + strconv.FormatInt(in.IdentityID, 10) + ":" + in.Purpose,
	}

	var out *VerifyOtpOutput
	err := s.repoDB.InTx(ctx, keys, func(tx Store) error {
		out = nil
		now := s.clock.Now()

		cur, err := tx.FindCurrentOtp(ctx, in.IdentityID, in.Purpose)
		if errors.Is(err, goerror.ErrNotFound) {
			// No record is indistinguishable from an already-swept one.
			out = &VerifyOtpOutput{Status: http.StatusGone, Reason: ReasonCodeExpired}
			return nil
		}
		if err != nil {
			return err
		}

		if cur.State != entity.OtpStateActive {
			out = &VerifyOtpOutput{Status: http.StatusGone, Reason: ReasonCodeUsed}
			return nil
		}

		if cur.Expired(now) {
			if err := tx.TransitionOtp(ctx, cur.ID, entity.OtpStateActive, entity.OtpStateExpired, cur.Attempts); err != nil {
				return err
			}
			out = &VerifyOtpOutput{Status: http.StatusGone, Reason: ReasonCodeExpired}
			return nil
		}

		if subtle.ConstantTimeCompare([]byte(cur.Code), []byte(in.Code)) != 1 {
			attempts := cur.Attempts + 1
			if attempts >= maxAttempts {
				if err := tx.TransitionOtp(ctx, cur.ID, entity.OtpStateActive, entity.OtpStateLocked, attempts); err != nil {
					return err
				}
				out = &VerifyOtpOutput{Status: http.StatusUnauthorized, Reason: ReasonAttemptsExceeded}
				return nil
			}

			if err := tx.TransitionOtp(ctx, cur.ID, entity.OtpStateActive, entity.OtpStateActive, attempts); err != nil {
				return err
			}
			out = &VerifyOtpOutput{
				Status:            http.StatusUnauthorized,
				Reason:            ReasonWrongCode,
				AttemptsRemaining: maxAttempts - attempts,
			}
			return nil
		}

		err = tx.TransitionOtp(ctx, cur.ID, entity.OtpStateActive, entity.OtpStateUsed, cur.Attempts)
		if errors.Is(err, goerror.ErrStaleState) || errors.Is(err, goerror.ErrNotFound) {
			// A concurrent verification consumed the record first.
			out = &VerifyOtpOutput{Status: http.StatusGone, Reason: ReasonCodeUsed}
			return nil
		}
		if err != nil {
			return err
		}

		out = &VerifyOtpOutput{Status: http.StatusOK, Verified: true}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "verification unit of work failed",
			"identity_id", in.IdentityID, "purpose", in.Purpose, "error", err)
		return nil, goerror.NewServer(err)
	}

	return out, nil
}
