package orchestration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/massimiliano76/AltStore/internal/app/budget"
	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/internal/infra/liveness"
)

type fakeRepo struct {
	mu        sync.Mutex
	apps      []refresh.ManagedApp
	listErr   error
	updates   []refresh.AppUpdate
	pending   []refresh.AppUpdate
	saved     [][]refresh.CatalogApp
	refreshed []string
}

func (r *fakeRepo) AppsForBackgroundRefresh(context.Context) ([]refresh.ManagedApp, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]refresh.ManagedApp(nil), r.apps...), r.listErr
}

func (r *fakeRepo) SaveCatalog(_ context.Context, apps []refresh.CatalogApp) ([]refresh.AppUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, apps)
	return r.updates, nil
}

func (r *fakeRepo) PendingUpdates(context.Context) ([]refresh.AppUpdate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending, nil
}

func (r *fakeRepo) MarkRefreshed(_ context.Context, bundleID string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed = append(r.refreshed, bundleID)
	return nil
}

type fakeDiscovery struct {
	mu      sync.Mutex
	servers []refresh.Server
	starts  int
	stops   int
}

func (d *fakeDiscovery) StartDiscovering(context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
}

func (d *fakeDiscovery) StopDiscovering() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
}

func (d *fakeDiscovery) DiscoveredServers() []refresh.Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]refresh.Server(nil), d.servers...)
}

func (d *fakeDiscovery) counts() (starts, stops int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops
}

type fakeCatalog struct {
	apps  []refresh.CatalogApp
	err   error
	delay time.Duration
}

func (c *fakeCatalog) FetchCatalog(ctx context.Context) ([]refresh.CatalogApp, error) {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.apps, c.err
}

type fakeRefresher struct {
	mu       sync.Mutex
	calls    [][]string
	failures map[string]error
	perApp   time.Duration
	// hang delays the result of an app after its installation began.
	hang map[string]time.Duration
}

func (f *fakeRefresher) Refresh(ctx context.Context, apps []refresh.ManagedApp) *refresh.Operation {
	f.mu.Lock()
	f.calls = append(f.calls, refresh.BundleIDs(apps))
	f.mu.Unlock()

	op := refresh.NewOperation(len(apps))
	go func() {
		defer op.Finish()
		for _, app := range apps {
			op.NotifyBeginInstall(app)
			if wait := f.perApp + f.hang[app.BundleID]; wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					op.Fail(ctx.Err())
					return
				}
			}
			op.Record(app.BundleID, refresh.AppResult{App: app, Err: f.failures[app.BundleID]})
		}
	}()
	return op
}

func (f *fakeRefresher) targets() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

// countingProbes records every probe posted through the real channel.
type countingProbes struct {
	*liveness.Channel
	probes atomic.Int32
}

func (c *countingProbes) Probe(ctx context.Context, appID string) error {
	c.probes.Add(1)
	return c.Channel.Probe(ctx, appID)
}

// countingBudget records how often a budget was requested.
type countingBudget struct {
	*budget.Manager
	requests atomic.Int32
}

func (c *countingBudget) WithExtendedBudget(ctx context.Context, name string, work budget.Work) {
	c.requests.Add(1)
	c.Manager.WithExtendedBudget(ctx, name, work)
}

type stateFlag struct{ background atomic.Bool }

func (s *stateFlag) IsBackground() bool { return s.background.Load() }
