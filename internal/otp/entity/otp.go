package entity

import "time"

// OtpRecord is the current or most-recent passcode for an (identity, purpose)
// pair. Records are never deleted; terminal states stay behind as an audit
// trail. At most one record per pair may be Active at any time.
type OtpRecord struct {
	ID         int64
	IdentityID int64
	Purpose    string
	Code       string
	State      OtpState
	Attempts   int32
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the record's time-to-live has elapsed at now.
func (r OtpRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// RateLimitEvent is one append-only row written per successful pass through
// issuance rate-limit evaluation. Immutable once written.
type RateLimitEvent struct {
	ID            int64
	IdentityID    int64
	OriginAddress string
	CreatedAt     time.Time
}

// IdempotencyEntry maps a client-supplied token to a previously produced
// issuance outcome. First write wins; entries are never updated.
type IdempotencyEntry struct {
	Key       string
	Status    int
	Payload   []byte
	CreatedAt time.Time
}

// Fresh reports whether the entry is still inside the replay window at now.
func (e IdempotencyEntry) Fresh(now time.Time, window time.Duration) bool {
	return now.Sub(e.CreatedAt) < window
}

// RateWindow is the result of a rolling-window scan over rate-limit events.
// Earliest is zero when Count is zero.
type RateWindow struct {
	Count    int64
	Earliest time.Time
}
