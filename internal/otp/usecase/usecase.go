package usecase

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/shandysiswandi/otpgate/internal/otp/entity"
	"github.com/shandysiswandi/otpgate/internal/pkg/clock"
	"github.com/shandysiswandi/otpgate/internal/pkg/goroutine"
	"github.com/shandysiswandi/otpgate/internal/pkg/idempotency"
	"github.com/shandysiswandi/otpgate/internal/pkg/instrument"
	"github.com/shandysiswandi/otpgate/internal/pkg/uid"
	"github.com/shandysiswandi/otpgate/internal/pkg/validator"
	"go.opentelemetry.io/otel/trace"
)

// Policy values are deliberate constants, not configuration.
const (
	otpTTL      = 5 * time.Minute
	maxAttempts = 3

	rateWindow      = 15 * time.Minute
	userRateLimit   = 3
	originRateLimit = 8

	idempotencyFreshness = 10 * time.Minute
	guardLockDuration    = 30 * time.Second

	codeMin = 100000
	codeMax = 999999
)

// LockKeys names the advisory locks an atomic unit of work must hold.
// They are always acquired in the order Pair, Identity, Origin so that
// concurrent units cannot deadlock against each other.
type LockKeys struct {
	Pair     string
	Identity string
	Origin   string
}

// Store is the transactional contract the coordinators run against. All
// methods observe and mutate state inside a single atomic unit of work.
type Store interface {
	// FindCurrentOtp returns the current record for the pair regardless of
	// state, locked for the remainder of the unit of work.
	FindCurrentOtp(ctx context.Context, identityID int64, purpose string) (*entity.OtpRecord, error)

	// CreateOtp inserts a new Active record. A lost uniqueness race surfaces
	// as goerror.ErrConflict.
	CreateOtp(ctx context.Context, rec entity.OtpRecord) error

	// TransitionOtp updates state and attempts guarded by the expected prior
	// state. goerror.ErrStaleState when the prior state no longer matches,
	// goerror.ErrNotFound when the row is gone.
	TransitionOtp(ctx context.Context, id int64, from, to entity.OtpState, attempts int32) error

	CountRecentByIdentity(ctx context.Context, identityID int64, since time.Time) (*entity.RateWindow, error)
	CountRecentByOrigin(ctx context.Context, origin string, since time.Time) (*entity.RateWindow, error)
	RecordRateEvent(ctx context.Context, ev entity.RateLimitEvent) error

	// GetIdempotencyEntry reads the entry under the held advisory locks, so
	// an outcome committed by a concurrent unit of work is visible.
	GetIdempotencyEntry(ctx context.Context, key string) (*entity.IdempotencyEntry, error)

	// SaveIdempotencyEntry persists an outcome under its key, first write wins.
	SaveIdempotencyEntry(ctx context.Context, entry entity.IdempotencyEntry) error
}

type repoDB interface {
	// GetIdempotencyEntry reads a committed entry outside any unit of work.
	GetIdempotencyEntry(ctx context.Context, key string) (*entity.IdempotencyEntry, error)

	// InTx runs fn inside one atomic unit of work holding the advisory locks
	// named by keys. fn may run more than once on transient conflicts.
	InTx(ctx context.Context, keys LockKeys, fn func(tx Store) error) error
}

type OtpIssuedEvent struct {
	OtpID      int64
	IdentityID int64
	Purpose    string
	Code       string
	ExpiresAt  time.Time
}

type repoMessaging interface {
	PublishOtpIssued(ctx context.Context, msg OtpIssuedEvent) error
}

type Usecase struct {
	repoDB        repoDB
	repoMessaging repoMessaging
	guard         idempotency.Guard
	validator     validator.Validator
	uid           uid.NumberID
	clock         clock.Clocker
	ins           instrument.Instrumentation
	goroutine     *goroutine.Manager
}

type Dependency struct {
	RepoDB        repoDB
	RepoMessaging repoMessaging
	Guard         idempotency.Guard
	Validator     validator.Validator
	UID           uid.NumberID
	Clock         clock.Clocker
	Instrument    instrument.Instrumentation
	Goroutine     *goroutine.Manager
}

func New(dep Dependency) *Usecase {
	return &Usecase{
		repoDB:        dep.RepoDB,
		repoMessaging: dep.RepoMessaging,
		guard:         dep.Guard,
		validator:     dep.Validator,
		uid:           dep.UID,
		clock:         dep.Clock,
		ins:           dep.Instrument,
		goroutine:     dep.Goroutine,
	}
}

func (s *Usecase) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.ins.Tracer("otp.usecase").Start(ctx, name)
}

// generateCode draws a 6-digit numeric code uniformly from [codeMin, codeMax].
func (s *Usecase) generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", err
	}
	return (n.Add(n, big.NewInt(codeMin))).String(), nil
}

// cooldownSeconds is the remaining wait until the earliest event leaves the
// rolling window, rounded up to the nearest second.
func cooldownSeconds(now, earliest time.Time) int64 {
	remaining := rateWindow - now.Sub(earliest)
	if remaining <= 0 {
		return 0
	}
	secs := remaining / time.Second
	if remaining%time.Second != 0 {
		secs++
	}
	return int64(secs)
}
