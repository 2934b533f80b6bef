package entity

// OtpState is the lifecycle state of a passcode record.
type OtpState int16

const (
	// OtpStateUnknown is mean state is not known / not set.
	OtpStateUnknown OtpState = 0

	// OtpStateActive mean the passcode can still be verified.
	OtpStateActive OtpState = 1

	// OtpStateUsed mean the passcode was consumed by a successful verification.
	OtpStateUsed OtpState = 2

	// OtpStateExpired mean the passcode outlived its time-to-live.
	OtpStateExpired OtpState = 3

	// OtpStateLocked mean the passcode was disabled after too many wrong attempts.
	OtpStateLocked OtpState = 4
)

func (s OtpState) String() string {
	switch s {
	case OtpStateActive:
		return "Active"
	case OtpStateUsed:
		return "Used"
	case OtpStateExpired:
		return "Expired"
	case OtpStateLocked:
		return "Locked"
	default:
		return "Unknown"
	}
}

func (s OtpState) Ensure() OtpState {
	switch s {
	case OtpStateActive:
		return OtpStateActive
	case OtpStateUsed:
		return OtpStateUsed
	case OtpStateExpired:
		return OtpStateExpired
	case OtpStateLocked:
		return OtpStateLocked
	default:
		return OtpStateUnknown
	}
}

// Terminal reports whether no further transition can leave this state.
func (s OtpState) Terminal() bool {
	switch s {
	case OtpStateUsed, OtpStateExpired, OtpStateLocked:
		return true
	default:
		return false
	}
}
