// Package orchestration runs background refresh sessions. One session probes
// the managed apps for liveness, discovers helper servers and fetches the
// catalog in parallel, refreshes every app that did not answer the probe
// within a fixed window, and reports the outcome through a single
// notification.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/massimiliano76/AltStore/internal/app/budget"
	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/internal/infra/liveness"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
	"github.com/massimiliano76/AltStore/pkg/common/timeutil"
)

// DefaultSelfAppID is the bundle identifier of the app hosting the
// orchestrator. Installing it terminates the running process.
const DefaultSelfAppID = "com.rileytestut.AltStore"

// Config holds the orchestrator's timing and identity settings.
type Config struct {
	// TimeUnit is the base unit the other durations are expressed in.
	TimeUnit time.Duration
	// ProbeWindow is how long acknowledgments are collected.
	ProbeWindow time.Duration
	// NotificationDelay is the re-arm period of the provisional
	// notification scheduled when the host app starts installing.
	NotificationDelay time.Duration
	// SelfAppID identifies the host app among the managed apps.
	SelfAppID string
	// ExitInBackground terminates the process after a session that ends
	// while the process is background only.
	ExitInBackground bool
	// ProbeConcurrency bounds how many probes are posted at once.
	ProbeConcurrency int
}

// DefaultConfig returns the stock timings: a 3 unit probe window and a 5
// unit notification delay, with a one second unit.
func DefaultConfig() Config {
	return ConfigForUnit(time.Second)
}

// ConfigForUnit returns the stock timings expressed in unit.
func ConfigForUnit(unit time.Duration) Config {
	return Config{
		TimeUnit:          unit,
		ProbeWindow:       3 * unit,
		NotificationDelay: 5 * unit,
		SelfAppID:         DefaultSelfAppID,
		ExitInBackground:  true,
		ProbeConcurrency:  8,
	}
}

// ExecutionBudget grants extended execution time.
type ExecutionBudget interface {
	WithExtendedBudget(ctx context.Context, name string, work budget.Work)
}

// ProbeChannel asks managed apps whether they are running.
type ProbeChannel interface {
	ObserveAcknowledgments(appIDs []string, fn func(appID string)) *liveness.Subscription
	Probe(ctx context.Context, appID string) error
}

// Notifier presents outcomes and update announcements.
type Notifier interface {
	Schedule(ctx context.Context, identifier string, outcome refresh.Outcome, isLaunch bool, delay time.Duration) error
	AnnounceUpdates(ctx context.Context, updates []refresh.AppUpdate, pendingCount int) error
}

// StateProvider reports whether the process is running in the background
// only.
type StateProvider interface {
	IsBackground() bool
}

// RunOptions parameterize one session.
type RunOptions struct {
	// IsLaunch is set when the session starts during cold launch.
	IsLaunch bool
	// OnFetchResult receives the fetch result as soon as it is known. It
	// is called exactly once, on the goroutine calling Run.
	OnFetchResult func(refresh.FetchResult)
}

// Orchestrator runs refresh sessions, one at a time.
type Orchestrator struct {
	cfg Config

	repo      refresh.AppRepository
	discovery refresh.ServerDiscoverer
	catalog   refresh.CatalogFetcher
	refresher refresh.Refresher

	probes   ProbeChannel
	budget   ExecutionBudget
	notifier Notifier
	state    StateProvider

	clock timeutil.Provider
	newID func() string
	exit  func(code int)

	active atomic.Bool

	logger  *logger.Logger
	metrics OrchestrationMetrics
	tracer  trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock used for session timestamps.
func WithClock(clock timeutil.Provider) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithExit overrides the function used to terminate the process.
func WithExit(exit func(code int)) Option {
	return func(o *Orchestrator) { o.exit = exit }
}

// WithIDGenerator overrides how session identifiers are created.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// NewOrchestrator creates an Orchestrator. Its collaborators are:
//   - repo: enumerates managed apps and stores catalog versions
//   - discovery: finds reachable helper servers
//   - catalog: fetches the remote app catalog
//   - refresher: refreshes the target apps
//   - probes: the liveness probe channel
//   - budget: grants extended execution time
//   - notifier: presents the outcome
//   - state: reports whether the process is background only
func NewOrchestrator(
	cfg Config,
	repo refresh.AppRepository,
	discovery refresh.ServerDiscoverer,
	catalog refresh.CatalogFetcher,
	refresher refresh.Refresher,
	probes ProbeChannel,
	budget ExecutionBudget,
	notifier Notifier,
	state StateProvider,
	logger *logger.Logger,
	metrics OrchestrationMetrics,
	tracer trace.Tracer,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		repo:      repo,
		discovery: discovery,
		catalog:   catalog,
		refresher: refresher,
		probes:    probes,
		budget:    budget,
		notifier:  notifier,
		state:     state,
		clock:     timeutil.Default(),
		newID:     uuid.NewString,
		exit:      os.Exit,
		logger:    logger.With("component", "refresh_orchestrator"),
		metrics:   metrics,
		tracer:    tracer,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one session and blocks until it is terminal. It returns
// refresh.ErrSessionInProgress when another session is still running.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*refresh.Session, error) {
	if !o.active.CompareAndSwap(false, true) {
		o.metrics.IncSessionsRejected(ctx)
		return nil, refresh.ErrSessionInProgress
	}
	defer o.active.Store(false)

	ctx, span := o.tracer.Start(ctx, "refresh_orchestrator.run",
		trace.WithAttributes(attribute.Bool("is_launch", opts.IsLaunch)))
	defer span.End()

	candidates, err := o.repo.AppsForBackgroundRefresh(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to enumerate apps")
		if opts.OnFetchResult != nil {
			opts.OnFetchResult(refresh.FetchFailed)
		}
		return nil, fmt.Errorf("failed to enumerate apps for background refresh: %w", err)
	}

	session := refresh.NewSession(o.newID(), candidates, opts.IsLaunch, o.clock.Now())
	span.SetAttributes(
		attribute.String("session_id", session.ID),
		attribute.Int("candidate_count", len(candidates)),
	)

	r := &run{
		o:             o,
		session:       session,
		log:           logger.NewLoggerContext(o.logger.With("session_id", session.ID)),
		onFetchResult: opts.OnFetchResult,
	}
	o.metrics.IncSessionsStarted(ctx, opts.IsLaunch)
	r.log.Info(ctx, "Refresh session started", "candidate_count", len(candidates), "is_launch", opts.IsLaunch)

	if len(candidates) == 0 {
		o.discovery.StopDiscovering()
		r.reportFetchResult(refresh.FetchNoData)
		session.Complete(refresh.Succeeded(nil))
		r.completed(ctx)
		return session, nil
	}

	session.Transition(refresh.StateBudgetRequested)
	o.budget.WithExtendedBudget(ctx, "refresh."+session.ID, func(ctx context.Context, grant budget.Grant, release func()) {
		if !grant.Granted() {
			span.AddEvent("budget_denied")
			o.metrics.IncBudgetDenied(ctx)
			r.reportFetchResult(refresh.FetchFailed)
			r.finalize(ctx, refresh.Failed(grant.Err), release)
			return
		}
		r.execute(ctx, release)
	})

	return session, nil
}

// run is the state of one in-flight session.
type run struct {
	o       *Orchestrator
	session *refresh.Session
	log     *logger.LoggerContext

	reportOnce    sync.Once
	onFetchResult func(refresh.FetchResult)
}

func (r *run) execute(ctx context.Context, release func()) {
	o, session := r.o, r.session
	session.Transition(refresh.StateProbingAndDiscovering)

	// Canceled when the session ends; anything still running for it is
	// discarded.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ids := refresh.BundleIDs(session.Candidates)
	sub := o.probes.ObserveAcknowledgments(ids, func(appID string) {
		if session.MarkAlive(appID, o.clock.Now()) {
			o.metrics.IncAcknowledgments(ctx)
		}
	})
	defer sub.Cancel()

	deadline := time.NewTimer(o.cfg.ProbeWindow)
	defer deadline.Stop()

	o.discovery.StartDiscovering(sessionCtx)
	catalog := r.syncCatalog(sessionCtx)
	r.broadcastProbes(ctx, ids)

	select {
	case <-deadline.C:
	case <-ctx.Done():
		session.Transition(refresh.StateFinalizing)
		r.finalize(ctx, refresh.Failed(ctx.Err()), release)
		return
	}

	servers := o.discovery.DiscoveredServers()
	sub.Cancel()
	targets := session.Freeze()

	r.log.Add("alive_count", len(session.Alive()), "target_count", len(targets), "server_count", len(servers))
	r.log.Info(ctx, "Probe window closed")
	r.resolveFetchResult(ctx, catalog, servers)

	session.Transition(refresh.StateRefreshing)
	o.metrics.ObserveTargets(ctx, len(targets))
	op := o.refresher.Refresh(sessionCtx, targets)

	catalogDone := catalog.Done()
	for {
		select {
		case app := <-op.BeginInstall():
			if app.BundleID != o.cfg.SelfAppID {
				continue
			}
			// Installing the host app ends this process; get an outcome
			// in front of the user before that happens.
			o.metrics.IncSelfUpdates(ctx)
			r.log.Info(ctx, "Host app installation starting", "bundle_id", app.BundleID)
			r.schedule(ctx, provisionalOutcome(op, app), o.cfg.NotificationDelay)

		case <-catalogDone:
			catalogDone = nil
			r.resolveFetchResult(ctx, catalog, servers)

		case <-op.Done():
			if catalogDone != nil {
				if r.awaitCatalog(ctx, catalog) {
					r.resolveFetchResult(ctx, catalog, servers)
				} else {
					r.log.Warn(ctx, "Catalog fetch still running at finalization", "error", refresh.ErrCatalogUnavailable)
				}
			}
			session.Transition(refresh.StateFinalizing)
			r.finalize(ctx, op.Outcome(), release)
			return

		case <-ctx.Done():
			session.Transition(refresh.StateFinalizing)
			r.finalize(ctx, refresh.Failed(ctx.Err()), release)
			return
		}
	}
}

// awaitCatalog gives a catalog fetch finishing alongside the refresh one time
// unit to settle. It reports whether the fetch settled.
func (r *run) awaitCatalog(ctx context.Context, catalog *pending[[]refresh.AppUpdate]) bool {
	if _, ok := catalog.Peek(); ok {
		return true
	}

	grace := time.NewTimer(r.o.cfg.TimeUnit)
	defer grace.Stop()

	select {
	case <-catalog.Done():
		return true
	case <-grace.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// provisionalOutcome assumes the host app installs successfully unless the
// operation has already failed.
func provisionalOutcome(op *refresh.Operation, self refresh.ManagedApp) refresh.Outcome {
	if err := op.Err(); err != nil {
		return refresh.Failed(err)
	}
	results := op.Results()
	results.Set(self.BundleID, refresh.AppResult{App: self})
	return refresh.Succeeded(results)
}

func (r *run) broadcastProbes(ctx context.Context, ids []string) {
	o := r.o

	var g errgroup.Group
	g.SetLimit(max(o.cfg.ProbeConcurrency, 1))
	for _, id := range ids {
		g.Go(func() error {
			// A probe that cannot be posted only means the app will be
			// treated as not running.
			if err := o.probes.Probe(ctx, id); err != nil {
				o.metrics.IncProbeErrors(ctx)
				r.log.Warn(ctx, "failed to post probe", "app_id", id, "error", err)
				return nil
			}
			o.metrics.IncProbesSent(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// syncCatalog fetches and stores the catalog in the background and
// announces newly available updates.
func (r *run) syncCatalog(ctx context.Context) *pending[[]refresh.AppUpdate] {
	p := newPending[[]refresh.AppUpdate]()
	go func() {
		updates, err := r.o.syncCatalog(ctx, r.log)
		p.resolve(updates, err)
	}()
	return p
}

func (o *Orchestrator) syncCatalog(ctx context.Context, log *logger.LoggerContext) ([]refresh.AppUpdate, error) {
	ctx, span := o.tracer.Start(ctx, "refresh_orchestrator.sync_catalog")
	defer span.End()

	apps, err := o.catalog.FetchCatalog(ctx)
	if err != nil {
		o.metrics.IncCatalogErrors(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch catalog")
		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}

	updates, err := o.repo.SaveCatalog(ctx, apps)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save catalog")
		return nil, fmt.Errorf("failed to save catalog: %w", err)
	}
	span.SetAttributes(attribute.Int("catalog_size", len(apps)), attribute.Int("new_update_count", len(updates)))

	if ctx.Err() != nil {
		return updates, nil
	}

	pendingUpdates, err := o.repo.PendingUpdates(ctx)
	if err != nil {
		log.Warn(ctx, "failed to count pending updates", "error", err)
		pendingUpdates = updates
	}
	if err := o.notifier.AnnounceUpdates(ctx, updates, len(pendingUpdates)); err != nil {
		log.Warn(ctx, "failed to announce updates", "error", err)
	}

	return updates, nil
}

// resolveFetchResult reports the fetch result once the catalog fetch has
// settled. A missing server is not a failure.
func (r *run) resolveFetchResult(ctx context.Context, catalog *pending[[]refresh.AppUpdate], servers []refresh.Server) {
	res, ok := catalog.Peek()
	if !ok {
		return
	}

	switch {
	case res.err != nil:
		r.log.Warn(ctx, "Catalog sync failed", "error", res.err)
		r.reportFetchResult(refresh.FetchFailed)
	case len(servers) == 0:
		r.reportFetchResult(refresh.FetchNoData)
	default:
		r.reportFetchResult(refresh.FetchNewData)
	}
}

func (r *run) reportFetchResult(result refresh.FetchResult) {
	r.reportOnce.Do(func() {
		r.session.SetFetchResult(result)
		if r.onFetchResult != nil {
			r.onFetchResult(result)
		}
	})
}

func (r *run) schedule(ctx context.Context, outcome refresh.Outcome, delay time.Duration) {
	if err := r.o.notifier.Schedule(ctx, r.session.ID, outcome, r.session.IsLaunch, delay); err != nil {
		r.log.Error(ctx, "failed to schedule outcome notification", "error", err)
	}
}

// finalize ends the session: final notification, discovery stopped, budget
// released, and the process exited when it is background only. It runs even
// when ctx is already done.
func (r *run) finalize(ctx context.Context, outcome refresh.Outcome, release func()) {
	o, session := r.o, r.session
	ctx = context.WithoutCancel(ctx)

	r.schedule(ctx, outcome, 0)
	o.discovery.StopDiscovering()
	release()

	// Whatever the catalog fetch had not settled by now is lost.
	r.reportFetchResult(refresh.FetchFailed)
	outcome = withoutServerNotFound(outcome)
	session.Complete(outcome)
	r.completed(ctx)

	if err := outcome.Error(); err != nil {
		r.log.Warn(ctx, "Refresh session finished with error", "error", err)
	}

	if o.cfg.ExitInBackground && o.state.IsBackground() {
		r.log.Info(ctx, "Exiting after background refresh")
		o.exit(0)
	}
}

// withoutServerNotFound drops missing-server failures from outcome. No
// reachable server is a soft success; its notification is already suppressed.
func withoutServerNotFound(outcome refresh.Outcome) refresh.Outcome {
	if errors.Is(outcome.Err, refresh.ErrServerNotFound) {
		return refresh.Succeeded(nil)
	}
	if outcome.Results == nil {
		return outcome
	}

	kept := refresh.NewResults()
	for _, id := range outcome.Results.IDs() {
		res, _ := outcome.Results.Get(id)
		if errors.Is(res.Err, refresh.ErrServerNotFound) {
			continue
		}
		kept.Set(id, res)
	}
	if kept.Len() == outcome.Results.Len() {
		return outcome
	}
	return refresh.Succeeded(kept)
}

func (r *run) completed(ctx context.Context) {
	result := r.session.FetchResult()
	r.o.metrics.IncSessionsCompleted(ctx, result)
	r.o.metrics.ObserveSessionDuration(ctx, r.o.clock.Now().Sub(r.session.StartedAt))
	r.log.Info(ctx, "Refresh session completed", "fetch_result", result.String())
}
