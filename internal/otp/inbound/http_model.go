package inbound

import "encoding/json"

type RequestOtpRequest struct {
	IdentityID     int64  `json:"identity_id"`
	Purpose        string `json:"purpose"`
	IdempotencyKey string `json:"idempotency_key"`
}

type VerifyOtpRequest struct {
	IdentityID int64  `json:"identity_id"`
	Purpose    string `json:"purpose"`
	Code       string `json:"code"`
}

// rawResponse writes pre-marshaled payload bytes with an explicit status, so
// replayed issuance outcomes reach the wire byte-identical to the original.
type rawResponse struct {
	status int
	body   json.RawMessage
}

func (r rawResponse) StatusCode() int { return r.status }

func (r rawResponse) RawBody() []byte { return r.body }

type verifyOkBody struct {
	Message string `json:"message"`
}

type verifyRejectedBody struct {
	Reason            string `json:"reason"`
	AttemptsRemaining int32  `json:"attempts_remaining,omitempty"`
}
