package inbound

import (
	"encoding/json"

	"github.com/shandysiswandi/otpgate/internal/otp/usecase"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
	"github.com/shandysiswandi/otpgate/internal/pkg/router"
)

// HeaderIdempotencyKey carries the client token deduplicating retried
// issuance requests; a body field is accepted as a fallback.
const HeaderIdempotencyKey = "Idempotency-Key"

// HTTPEndpoint exposes HTTP handlers for passcode issuance and verification.
type HTTPEndpoint struct {
	uc uc
}

// RequestOtp issues a new passcode for an (identity, purpose) pair.
func (h *HTTPEndpoint) RequestOtp(r *router.Request) (any, error) {
	var req RequestOtpRequest
	if err := r.DecodeBody(&req); err != nil {
		return nil, err
	}

	key := r.GetHeader(HeaderIdempotencyKey)
	if key == "" {
		key = req.IdempotencyKey
	}

	resp, err := h.uc.RequestOtp(r.Context(), usecase.RequestOtpInput{
		IdentityID:     req.IdentityID,
		Purpose:        req.Purpose,
		OriginAddress:  r.ClientIP(),
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, err
	}

	return rawResponse{status: resp.Status, body: resp.Payload}, nil
}

// VerifyOtp checks a submitted code against the current passcode for the pair.
func (h *HTTPEndpoint) VerifyOtp(r *router.Request) (any, error) {
	var req VerifyOtpRequest
	if err := r.DecodeBody(&req); err != nil {
		return nil, err
	}

	resp, err := h.uc.VerifyOtp(r.Context(), usecase.VerifyOtpInput{
		IdentityID: req.IdentityID,
		Purpose:    req.Purpose,
		Code:       req.Code,
	})
	if err != nil {
		return nil, err
	}

	var body any
	if resp.Verified {
		body = verifyOkBody{Message: "OTP verified successfully."}
	} else {
		body = verifyRejectedBody{
			Reason:            resp.Reason,
			AttemptsRemaining: resp.AttemptsRemaining,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, goerror.NewServer(err)
	}

	return rawResponse{status: resp.Status, body: payload}, nil
}
