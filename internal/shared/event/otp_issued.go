package event

const OtpIssuedDestination string = "otpgate.otp.issued"

// OtpIssuedMessage is consumed by an external delivery system; this service
// never sends the code itself.
type OtpIssuedMessage struct {
	OtpID      int64  `json:"otp_id"`
	IdentityID int64  `json:"identity_id"`
	Purpose    string `json:"purpose"`
	Code       string `json:"code"`
	ExpiresAt  int64  `json:"expires_at"`
}
