// Package budget models the operating system's grant of extended background
// execution time. A Manager hands out at most one window at a time and only
// as often as its allowance permits.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
	"github.com/massimiliano76/AltStore/pkg/common/timeutil"
)

// Config controls how generous the execution allowance is.
type Config struct {
	// MaxDuration is how long a granted window lasts before it is considered
	// expired. Expiry is advisory.
	MaxDuration time.Duration
	// GrantsPerHour is the sustained rate of grants.
	GrantsPerHour float64
	// Burst is how many grants may be handed out back to back.
	Burst int
}

// DefaultConfig mirrors a typical mobile background allowance.
func DefaultConfig() Config {
	return Config{
		MaxDuration:   30 * time.Second,
		GrantsPerHour: 12,
		Burst:         2,
	}
}

// Grant is the result of a budget request. Err is non-nil, and wraps
// refresh.ErrBudgetDenied, when the window was denied.
type Grant struct {
	Name      string
	GrantedAt time.Time
	ExpiresAt time.Time
	Err       error
}

// Granted reports whether work may proceed.
func (g Grant) Granted() bool { return g.Err == nil }

// Work receives the grant and a release function. release must be called
// exactly once; on denial it is a no-op but calling it is still harmless.
type Work func(ctx context.Context, grant Grant, release func())

// Manager hands out extended execution windows.
type Manager struct {
	cfg     Config
	limiter *rate.Limiter
	clock   timeutil.Provider

	mu          sync.Mutex
	outstanding string
	generation  uint64
	onExpire    func(name string)

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for grant timestamps.
func WithClock(clock timeutil.Provider) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithExpiryHandler installs a callback invoked when a window outlives
// MaxDuration without being released.
func WithExpiryHandler(fn func(name string)) Option {
	return func(m *Manager) { m.onExpire = fn }
}

// NewManager creates a Manager.
func NewManager(cfg Config, logger *logger.Logger, tracer trace.Tracer, opts ...Option) *Manager {
	perSecond := rate.Limit(cfg.GrantsPerHour / time.Hour.Seconds())
	if cfg.GrantsPerHour <= 0 {
		perSecond = rate.Inf
	}
	burst := max(cfg.Burst, 1)

	m := &Manager{
		cfg:     cfg,
		limiter: rate.NewLimiter(perSecond, burst),
		clock:   timeutil.Default(),
		logger:  logger.With("component", "budget_manager"),
		tracer:  tracer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Outstanding returns the name of the window currently held, if any.
func (m *Manager) Outstanding() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding, m.outstanding != ""
}

// WithExtendedBudget requests a window named name and invokes work with the
// result. work is always invoked, on the calling goroutine; it owns the
// window until it calls release.
func (m *Manager) WithExtendedBudget(ctx context.Context, name string, work Work) {
	ctx, span := m.tracer.Start(ctx, "budget_manager.with_extended_budget",
		trace.WithAttributes(attribute.String("budget_name", name)))
	defer span.End()

	grant, release := m.acquire(ctx, name)
	if !grant.Granted() {
		span.RecordError(grant.Err)
		span.SetStatus(codes.Error, "budget denied")
		m.logger.Warn(ctx, "Extended execution denied", "budget_name", name, "error", grant.Err)
	} else {
		span.AddEvent("budget_granted", trace.WithAttributes(
			attribute.String("expires_at", grant.ExpiresAt.String()),
		))
		m.logger.Debug(ctx, "Extended execution granted", "budget_name", name, "expires_at", grant.ExpiresAt)
	}

	work(ctx, grant, release)
}

func (m *Manager) acquire(ctx context.Context, name string) (Grant, func()) {
	grant := Grant{Name: name}
	denied := func(reason string) (Grant, func()) {
		grant.Err = fmt.Errorf("%w: %s", refresh.ErrBudgetDenied, reason)
		return grant, func() {}
	}

	if err := ctx.Err(); err != nil {
		return denied(err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.outstanding != "" {
		return denied(fmt.Sprintf("window %q still outstanding", m.outstanding))
	}
	if !m.limiter.Allow() {
		return denied("allowance exhausted")
	}

	now := m.clock.Now()
	grant.GrantedAt = now
	if m.cfg.MaxDuration > 0 {
		grant.ExpiresAt = now.Add(m.cfg.MaxDuration)
	}
	m.outstanding = name
	m.generation++
	gen := m.generation

	var expiry *time.Timer
	if m.cfg.MaxDuration > 0 {
		expiry = time.AfterFunc(m.cfg.MaxDuration, func() { m.expire(ctx, name, gen) })
	}

	var once sync.Once
	release := func() {
		released := false
		once.Do(func() {
			released = true
			if expiry != nil {
				expiry.Stop()
			}
			m.mu.Lock()
			if m.generation == gen {
				m.outstanding = ""
			}
			m.mu.Unlock()
			m.logger.Debug(ctx, "Extended execution released", "budget_name", name)
		})
		if !released {
			m.logger.Warn(ctx, "Extended execution released more than once", "budget_name", name)
		}
	}
	return grant, release
}

func (m *Manager) expire(ctx context.Context, name string, gen uint64) {
	m.mu.Lock()
	active := m.outstanding != "" && m.generation == gen
	onExpire := m.onExpire
	m.mu.Unlock()
	if !active {
		return
	}

	m.logger.Warn(ctx, "Extended execution window expired before release", "budget_name", name)
	if onExpire != nil {
		onExpire(name)
	}
}
