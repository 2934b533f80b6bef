package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
)

func requestInput(key string) RequestOtpInput {
	return RequestOtpInput{
		IdentityID:     42,
		Purpose:        "login",
		OriginAddress:  "203.0.113.7",
		IdempotencyKey: key,
	}
}

func decodeIssued(t *testing.T, payload []byte) issuedPayload {
	t.Helper()

	var p issuedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("failed to decode issued payload: %v", err)
	}

	return p
}

func decodeRejected(t *testing.T, payload []byte) rejectedPayload {
	t.Helper()

	var p rejectedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("failed to decode rejected payload: %v", err)
	}

	return p
}

func activeRecord(t *testing.T, db *fakeDB, identityID int64, purpose string) *entity.OtpRecord {
	t.Helper()

	for _, rec := range db.records {
		if rec.IdentityID == identityID && rec.Purpose == purpose && rec.State == entity.OtpStateActive {
			cp := *rec
			return &cp
		}
	}
	t.Fatalf("no active record for identity=%d purpose=%q", identityID, purpose)

	return nil
}

func TestRequestOtp(t *testing.T) {
	t.Run("issues a fresh code", func(t *testing.T) {
		// Arrange
		f := newFixture(t)

		// Act
		out, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Status != http.StatusCreated {
			t.Fatalf("status = %d, want %d", out.Status, http.StatusCreated)
		}

		issued := decodeIssued(t, out.Payload)
		if issued.TTL != 300 {
			t.Fatalf("ttl = %d, want 300", issued.TTL)
		}
		if issued.RemainingUserRequests != 2 {
			t.Fatalf("remaining_user_requests = %d, want 2", issued.RemainingUserRequests)
		}
		if issued.RemainingIPRequests != 7 {
			t.Fatalf("remaining_ip_requests = %d, want 7", issued.RemainingIPRequests)
		}

		rec := activeRecord(t, f.db, 42, "login")
		if rec.ID != issued.OtpID {
			t.Fatalf("record id = %d, want %d", rec.ID, issued.OtpID)
		}
		if len(rec.Code) != 6 {
			t.Fatalf("code %q is not six digits", rec.Code)
		}
		if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != 5*time.Minute {
			t.Fatalf("ttl span = %s, want 5m", got)
		}

		if len(f.db.events) != 1 {
			t.Fatalf("rate events = %d, want 1", len(f.db.events))
		}
		if _, ok := f.db.entries["key-1"]; !ok {
			t.Fatalf("expected idempotency entry for key-1")
		}

		if err := f.goroutine.Wait(); err != nil {
			t.Fatalf("goroutine wait: %v", err)
		}
		published := f.publisher.published()
		if len(published) != 1 || published[0].OtpID != issued.OtpID {
			t.Fatalf("published = %+v, want one event for otp %d", published, issued.OtpID)
		}
	})

	t.Run("rejects missing idempotency key without caching", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		in := requestInput("")

		// Act
		out, err := f.uc.RequestOtp(context.Background(), in)

		// Assert
		if out != nil {
			t.Fatalf("expected nil output, got %+v", out)
		}
		var gerr *goerror.Error
		if !errors.As(err, &gerr) || gerr.StatusCode() != http.StatusBadRequest {
			t.Fatalf("expected 400 validation error, got %v", err)
		}
		if len(f.db.entries) != 0 {
			t.Fatalf("validation failure must not be cached")
		}
		if len(f.db.records) != 0 {
			t.Fatalf("validation failure must not issue")
		}
	})

	t.Run("replays byte identical payload", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		first, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))
		if err != nil {
			t.Fatalf("first request: %v", err)
		}
		f.clock.Advance(9 * time.Minute)

		// Act
		second, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))

		// Assert
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if second.Status != first.Status {
			t.Fatalf("replay status = %d, want %d", second.Status, first.Status)
		}
		if !bytes.Equal(second.Payload, first.Payload) {
			t.Fatalf("replay payload = %s, want %s", second.Payload, first.Payload)
		}
		if len(f.db.records) != 1 {
			t.Fatalf("replay must not issue a second code")
		}
		if len(f.db.events) != 1 {
			t.Fatalf("replay must not record a rate event")
		}
	})

	t.Run("stale entry re-executes", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		first, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))
		if err != nil {
			t.Fatalf("first request: %v", err)
		}
		f.clock.Advance(11 * time.Minute)

		// Act
		second, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))

		// Assert
		if err != nil {
			t.Fatalf("second request: %v", err)
		}
		if second.Status != http.StatusCreated {
			t.Fatalf("status = %d, want %d", second.Status, http.StatusCreated)
		}
		if bytes.Equal(second.Payload, first.Payload) {
			t.Fatalf("stale entry must not be replayed")
		}
		if len(f.db.records) != 2 {
			t.Fatalf("records = %d, want 2", len(f.db.records))
		}
	})

	t.Run("conflicts while a code is live", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		if _, err := f.uc.RequestOtp(context.Background(), requestInput("key-1")); err != nil {
			t.Fatalf("first request: %v", err)
		}

		// Act
		out, err := f.uc.RequestOtp(context.Background(), requestInput("key-2"))

		// Assert
		if err != nil {
			t.Fatalf("second request: %v", err)
		}
		if out.Status != http.StatusConflict {
			t.Fatalf("status = %d, want %d", out.Status, http.StatusConflict)
		}
		rejected := decodeRejected(t, out.Payload)
		if rejected.Reason != reasonActiveExists {
			t.Fatalf("reason = %q, want %q", rejected.Reason, reasonActiveExists)
		}
		entry, ok := f.db.entries["key-2"]
		if !ok || entry.Status != http.StatusConflict {
			t.Fatalf("conflict outcome must be cached under its key")
		}
	})

	t.Run("expired code is swept and reissued", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		first, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))
		if err != nil {
			t.Fatalf("first request: %v", err)
		}
		firstID := decodeIssued(t, first.Payload).OtpID
		f.clock.Advance(6 * time.Minute)

		// Act
		out, err := f.uc.RequestOtp(context.Background(), requestInput("key-2"))

		// Assert
		if err != nil {
			t.Fatalf("second request: %v", err)
		}
		if out.Status != http.StatusCreated {
			t.Fatalf("status = %d, want %d", out.Status, http.StatusCreated)
		}
		if f.db.records[firstID].State != entity.OtpStateExpired {
			t.Fatalf("stale record state = %v, want Expired", f.db.records[firstID].State)
		}
		if got := activeRecord(t, f.db, 42, "login").ID; got == firstID {
			t.Fatalf("expected a new active record, still %d", firstID)
		}
	})

	t.Run("user rate limit with cooldown", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		now := f.clock.Now()
		for i := range 3 {
			f.db.events = append(f.db.events, entity.RateLimitEvent{
				ID:            int64(100 + i),
				IdentityID:    42,
				OriginAddress: "198.51.100." + strconv.Itoa(i),
				CreatedAt:     now.Add(-10 * time.Minute).Add(time.Duration(i) * time.Minute),
			})
		}

		// Act
		out, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Status != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want %d", out.Status, http.StatusTooManyRequests)
		}
		rejected := decodeRejected(t, out.Payload)
		if rejected.Reason != "user_rate_limit_exceeded" {
			t.Fatalf("reason = %q", rejected.Reason)
		}
		if rejected.CooldownSecondsRemaining != 300 {
			t.Fatalf("cooldown = %d, want 300", rejected.CooldownSecondsRemaining)
		}
		if len(f.db.records) != 0 {
			t.Fatalf("rate limited request must not issue")
		}
		if len(f.db.events) != 3 {
			t.Fatalf("rate limited request must not record an event")
		}
	})

	t.Run("origin rate limit across identities", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		now := f.clock.Now()
		for i := range 8 {
			f.db.events = append(f.db.events, entity.RateLimitEvent{
				ID:            int64(100 + i),
				IdentityID:    int64(1000 + i),
				OriginAddress: "203.0.113.7",
				CreatedAt:     now.Add(-14 * time.Minute),
			})
		}

		// Act
		out, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Status != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want %d", out.Status, http.StatusTooManyRequests)
		}
		rejected := decodeRejected(t, out.Payload)
		if rejected.Reason != "ip_rate_limit_exceeded" {
			t.Fatalf("reason = %q", rejected.Reason)
		}
		if rejected.CooldownSecondsRemaining != 60 {
			t.Fatalf("cooldown = %d, want 60", rejected.CooldownSecondsRemaining)
		}
	})

	t.Run("events outside the window do not count", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		now := f.clock.Now()
		for i := range 3 {
			f.db.events = append(f.db.events, entity.RateLimitEvent{
				ID:            int64(100 + i),
				IdentityID:    42,
				OriginAddress: "203.0.113.7",
				CreatedAt:     now.Add(-16 * time.Minute),
			})
		}

		// Act
		out, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Status != http.StatusCreated {
			t.Fatalf("status = %d, want %d", out.Status, http.StatusCreated)
		}
	})

	t.Run("in-flight duplicate conflicts without caching", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		if _, err := f.guard.Acquire(context.Background(), "key-1", time.Minute); err != nil {
			t.Fatalf("seed guard: %v", err)
		}

		// Act
		out, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Status != http.StatusConflict {
			t.Fatalf("status = %d, want %d", out.Status, http.StatusConflict)
		}
		if got := decodeRejected(t, out.Payload).Reason; got != "request_in_progress" {
			t.Fatalf("reason = %q", got)
		}
		if len(f.db.entries) != 0 {
			t.Fatalf("in-flight conflict must not be cached")
		}
	})

	t.Run("guard outage does not block issuance", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		f.guard.acquireErr = errors.New("redis down")

		// Act
		out, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Status != http.StatusCreated {
			t.Fatalf("status = %d, want %d", out.Status, http.StatusCreated)
		}
	})

	t.Run("transient failure caches nothing", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		f.db.rateEventErr = errors.New("connection reset")

		// Act
		out, err := f.uc.RequestOtp(context.Background(), requestInput("key-1"))

		// Assert
		if out != nil {
			t.Fatalf("expected nil output, got %+v", out)
		}
		var gerr *goerror.Error
		if !errors.As(err, &gerr) || gerr.StatusCode() != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %v", err)
		}
		if len(f.db.entries) != 0 {
			t.Fatalf("failed unit of work must cache nothing")
		}
		if len(f.db.records) != 0 {
			t.Fatalf("failed unit of work must leave no record")
		}

		// Retry after recovery succeeds under the same key.
		f.db.rateEventErr = nil
		out, err = f.uc.RequestOtp(context.Background(), requestInput("key-1"))
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if out.Status != http.StatusCreated {
			t.Fatalf("retry status = %d, want %d", out.Status, http.StatusCreated)
		}
	})

	t.Run("concurrent duplicates share one outcome", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		f.guard.acquireErr = errors.New("redis down")

		// Both callers finish the unlocked replay lookup before either
		// commits, the worst interleaving for one shared key.
		var barrier sync.WaitGroup
		barrier.Add(2)
		f.db.afterEntryRead = func() {
			barrier.Done()
			barrier.Wait()
		}

		outs := make([]*RequestOtpOutput, 2)
		errs := make([]error, 2)

		// Act
		var wg sync.WaitGroup
		for i := range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outs[i], errs[i] = f.uc.RequestOtp(context.Background(), requestInput("key-1"))
			}()
		}
		wg.Wait()

		// Assert
		for i := range 2 {
			if errs[i] != nil {
				t.Fatalf("caller %d: %v", i, errs[i])
			}
			if outs[i].Status != http.StatusCreated {
				t.Fatalf("caller %d: status = %d, want %d", i, outs[i].Status, http.StatusCreated)
			}
		}
		if !bytes.Equal(outs[0].Payload, outs[1].Payload) {
			t.Fatalf("payloads diverge for one key: %s vs %s", outs[0].Payload, outs[1].Payload)
		}
		if len(f.db.records) != 1 {
			t.Fatalf("records = %d, want 1", len(f.db.records))
		}
		if len(f.db.events) != 1 {
			t.Fatalf("rate events = %d, want 1", len(f.db.events))
		}
	})

	t.Run("client disconnect after commit still publishes", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		// Act
		out, err := f.uc.RequestOtp(ctx, requestInput("key-1"))

		// Assert
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Status != http.StatusCreated {
			t.Fatalf("status = %d, want %d", out.Status, http.StatusCreated)
		}
		if err := f.goroutine.Wait(); err != nil {
			t.Fatalf("goroutine wait: %v", err)
		}
		if got := len(f.publisher.published()); got != 1 {
			t.Fatalf("published = %d, want 1", got)
		}
	})

	t.Run("concurrent requests issue exactly once", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		const workers = 3
		outs := make([]*RequestOtpOutput, workers)
		errs := make([]error, workers)

		// Act
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outs[i], errs[i] = f.uc.RequestOtp(context.Background(), requestInput("key-"+strconv.Itoa(i)))
			}()
		}
		wg.Wait()

		// Assert
		var created, conflicted int
		for i := range workers {
			if errs[i] != nil {
				t.Fatalf("worker %d: %v", i, errs[i])
			}
			switch outs[i].Status {
			case http.StatusCreated:
				created++
			case http.StatusConflict:
				conflicted++
			default:
				t.Fatalf("worker %d: unexpected status %d", i, outs[i].Status)
			}
		}
		if created != 1 || conflicted != workers-1 {
			t.Fatalf("created = %d, conflicted = %d, want 1 and %d", created, conflicted, workers-1)
		}
		if len(f.db.records) != 1 {
			t.Fatalf("records = %d, want 1", len(f.db.records))
		}
	})
}
