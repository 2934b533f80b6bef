package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/clock"
	"github.com/shandysiswandi/otpgate/internal/pkg/goerror"
	"github.com/shandysiswandi/otpgate/internal/pkg/goroutine"
	"github.com/shandysiswandi/otpgate/internal/pkg/idempotency"
	"github.com/shandysiswandi/otpgate/internal/pkg/instrument"
	"github.com/shandysiswandi/otpgate/internal/pkg/validator"
)

// fakeDB is an in-memory stand-in for the transactional store. InTx serializes
// callers the way advisory locks do and restores a snapshot when fn fails, so
// partial writes never leak out of a failed unit of work.
type fakeDB struct {
	mu      sync.Mutex
	records map[int64]*entity.OtpRecord
	events  []entity.RateLimitEvent
	entries map[string]entity.IdempotencyEntry

	rateEventErr error
	getEntryErr  error

	// afterEntryRead runs after each unlocked entry lookup, letting tests
	// interleave concurrent duplicates at the replay boundary.
	afterEntryRead func()
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		records: map[int64]*entity.OtpRecord{},
		entries: map[string]entity.IdempotencyEntry{},
	}
}

func (f *fakeDB) GetIdempotencyEntry(_ context.Context, key string) (*entity.IdempotencyEntry, error) {
	f.mu.Lock()
	entry, ok := f.entries[key]
	err := f.getEntryErr
	f.mu.Unlock()

	if f.afterEntryRead != nil {
		f.afterEntryRead()
	}

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, goerror.ErrNotFound
	}

	return &entry, nil
}

func (f *fakeDB) InTx(_ context.Context, _ LockKeys, fn func(tx Store) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := make(map[int64]*entity.OtpRecord, len(f.records))
	for id, rec := range f.records {
		cp := *rec
		records[id] = &cp
	}
	events := append([]entity.RateLimitEvent{}, f.events...)
	entries := make(map[string]entity.IdempotencyEntry, len(f.entries))
	for k, v := range f.entries {
		entries[k] = v
	}

	if err := fn((*fakeTx)(f)); err != nil {
		f.records, f.events, f.entries = records, events, entries
		return err
	}

	return nil
}

// fakeTx exposes the Store surface of fakeDB inside a unit of work.
type fakeTx fakeDB

func (t *fakeTx) FindCurrentOtp(_ context.Context, identityID int64, purpose string) (*entity.OtpRecord, error) {
	var cur *entity.OtpRecord
	for _, rec := range t.records {
		if rec.IdentityID != identityID || rec.Purpose != purpose {
			continue
		}
		if cur == nil || rec.CreatedAt.After(cur.CreatedAt) ||
			(rec.CreatedAt.Equal(cur.CreatedAt) && rec.ID > cur.ID) {
			cur = rec
		}
	}
	if cur == nil {
		return nil, goerror.ErrNotFound
	}

	cp := *cur

	return &cp, nil
}

func (t *fakeTx) CreateOtp(_ context.Context, rec entity.OtpRecord) error {
	for _, existing := range t.records {
		if existing.IdentityID == rec.IdentityID && existing.Purpose == rec.Purpose &&
			existing.State == entity.OtpStateActive {
			return goerror.ErrConflict
		}
	}

	cp := rec
	t.records[rec.ID] = &cp

	return nil
}

func (t *fakeTx) TransitionOtp(_ context.Context, id int64, from, to entity.OtpState, attempts int32) error {
	rec, ok := t.records[id]
	if !ok {
		return goerror.ErrNotFound
	}
	if rec.State != from {
		return goerror.ErrStaleState
	}

	rec.State = to
	rec.Attempts = attempts

	return nil
}

func (t *fakeTx) CountRecentByIdentity(_ context.Context, identityID int64, since time.Time) (*entity.RateWindow, error) {
	win := &entity.RateWindow{}
	for _, ev := range t.events {
		if ev.IdentityID != identityID || ev.CreatedAt.Before(since) {
			continue
		}
		win.Count++
		if win.Earliest.IsZero() || ev.CreatedAt.Before(win.Earliest) {
			win.Earliest = ev.CreatedAt
		}
	}

	return win, nil
}

func (t *fakeTx) CountRecentByOrigin(_ context.Context, origin string, since time.Time) (*entity.RateWindow, error) {
	win := &entity.RateWindow{}
	for _, ev := range t.events {
		if ev.OriginAddress != origin || ev.CreatedAt.Before(since) {
			continue
		}
		win.Count++
		if win.Earliest.IsZero() || ev.CreatedAt.Before(win.Earliest) {
			win.Earliest = ev.CreatedAt
		}
	}

	return win, nil
}

func (t *fakeTx) RecordRateEvent(_ context.Context, ev entity.RateLimitEvent) error {
	if t.rateEventErr != nil {
		return t.rateEventErr
	}

	t.events = append(t.events, ev)

	return nil
}

func (t *fakeTx) GetIdempotencyEntry(_ context.Context, key string) (*entity.IdempotencyEntry, error) {
	entry, ok := t.entries[key]
	if !ok {
		return nil, goerror.ErrNotFound
	}

	return &entry, nil
}

func (t *fakeTx) SaveIdempotencyEntry(_ context.Context, entry entity.IdempotencyEntry) error {
	if _, ok := t.entries[entry.Key]; ok {
		return nil
	}

	t.entries[entry.Key] = entry

	return nil
}

type fakeGuard struct {
	mu         sync.Mutex
	states     map[string]idempotency.State
	acquireErr error
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{states: map[string]idempotency.State{}}
}

func (g *fakeGuard) Acquire(_ context.Context, key string, _ time.Duration) (idempotency.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.acquireErr != nil {
		return idempotency.StateError, g.acquireErr
	}

	if state, ok := g.states[key]; ok {
		return state, nil
	}

	g.states[key] = idempotency.StateInProgress

	return idempotency.StateNone, nil
}

func (g *fakeGuard) MarkCompleted(_ context.Context, key string, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[key] = idempotency.StateCompleted

	return nil
}

func (g *fakeGuard) MarkFailed(_ context.Context, key string, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[key] = idempotency.StateFailed

	return nil
}


type fakePublisher struct {
	mu     sync.Mutex
	events []OtpIssuedEvent
}

func (p *fakePublisher) PublishOtpIssued(_ context.Context, msg OtpIssuedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, msg)

	return nil
}

func (p *fakePublisher) published() []OtpIssuedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]OtpIssuedEvent{}, p.events...)
}

// fakeClock is a settable clock shared across goroutines.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqID struct{ n atomic.Int64 }

func (s *seqID) Generate() int64 {
	return s.n.Add(1)
}

type fixture struct {
	uc        *Usecase
	db        *fakeDB
	guard     *fakeGuard
	clock     *fakeClock
	publisher *fakePublisher
	goroutine *goroutine.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	v, err := validator.NewV10Validator()
	if err != nil {
		t.Fatalf("failed to init validator: %v", err)
	}

	f := &fixture{
		db:        newFakeDB(),
		guard:     newFakeGuard(),
		clock:     newFakeClock(),
		publisher: &fakePublisher{},
		goroutine: goroutine.NewManager(10),
	}
	f.uc = New(Dependency{
		RepoDB:        f.db,
		RepoMessaging: f.publisher,
		Guard:         f.guard,
		Validator:     v,
		UID:           &seqID{},
		Clock:         f.clock,
		Instrument:    instrument.NewNoop(),
		Goroutine:     f.goroutine,
	})

	return f
}

var _ clock.Clocker = (*fakeClock)(nil)
var _ idempotency.Guard = (*fakeGuard)(nil)
var _ Store = (*fakeTx)(nil)
