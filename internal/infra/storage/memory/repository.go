// Package memory implements the app repository in process memory, optionally
// seeded from a YAML file.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
)

type record struct {
	app         refresh.InstalledApp
	refreshedAt time.Time
}

var _ refresh.AppRepository = (*Repository)(nil)

// Repository implements refresh.AppRepository in memory.
type Repository struct {
	mu      sync.RWMutex
	apps    map[string]*record
	catalog map[string]refresh.CatalogApp
}

// NewRepository creates a repository holding apps.
func NewRepository(apps ...refresh.InstalledApp) *Repository {
	r := &Repository{
		apps:    make(map[string]*record, len(apps)),
		catalog: make(map[string]refresh.CatalogApp),
	}
	for _, app := range apps {
		r.apps[app.BundleID] = &record{app: app}
	}
	return r
}

// UpsertApp stores or replaces an installed app record.
func (r *Repository) UpsertApp(_ context.Context, app refresh.InstalledApp) error {
	if app.BundleID == "" {
		return errors.New("bundle identifier is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.apps[app.BundleID]; ok {
		rec.app = app
		return nil
	}
	r.apps[app.BundleID] = &record{app: app}
	return nil
}

// AppsForBackgroundRefresh returns every app opted into background refresh,
// ordered by bundle identifier.
func (r *Repository) AppsForBackgroundRefresh(ctx context.Context) ([]refresh.ManagedApp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	apps := make([]refresh.ManagedApp, 0, len(r.apps))
	for _, rec := range r.apps {
		if !rec.app.BackgroundRefresh {
			continue
		}
		app := refresh.ManagedApp{BundleID: rec.app.BundleID, Name: rec.app.Name}
		if u, ok := r.pendingFor(rec); ok {
			app.PendingUpdate = &refresh.Update{Version: u.Version}
		}
		apps = append(apps, app)
	}
	slices.SortFunc(apps, func(a, b refresh.ManagedApp) int { return strings.Compare(a.BundleID, b.BundleID) })
	return apps, nil
}

func (r *Repository) pendingFor(rec *record) (refresh.AppUpdate, bool) {
	c, ok := r.catalog[rec.app.BundleID]
	if !ok || c.Version == "" || c.Version == rec.app.Version {
		return refresh.AppUpdate{}, false
	}
	return refresh.AppUpdate{BundleID: rec.app.BundleID, Name: rec.app.Name, Version: c.Version}, true
}

func (r *Repository) pendingLocked() []refresh.AppUpdate {
	updates := make([]refresh.AppUpdate, 0)
	for _, rec := range r.apps {
		if u, ok := r.pendingFor(rec); ok {
			updates = append(updates, u)
		}
	}
	slices.SortFunc(updates, func(a, b refresh.AppUpdate) int { return strings.Compare(a.BundleID, b.BundleID) })
	return updates
}

// PendingUpdates returns every update the catalog currently offers.
func (r *Repository) PendingUpdates(ctx context.Context) ([]refresh.AppUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pendingLocked(), nil
}

// SaveCatalog stores the catalog and returns the updates it introduced.
func (r *Repository) SaveCatalog(ctx context.Context, apps []refresh.CatalogApp) ([]refresh.AppUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	before := r.pendingLocked()
	for _, app := range apps {
		r.catalog[app.BundleID] = app
	}
	return refresh.NewUpdates(before, r.pendingLocked()), nil
}

// MarkRefreshed records when bundleID was last refreshed.
func (r *Repository) MarkRefreshed(_ context.Context, bundleID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.apps[bundleID]
	if !ok {
		return fmt.Errorf("managed app not found: %s", bundleID)
	}
	rec.refreshedAt = at
	return nil
}

// LastRefreshed returns when bundleID was last refreshed.
func (r *Repository) LastRefreshed(bundleID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.apps[bundleID]
	if !ok || rec.refreshedAt.IsZero() {
		return time.Time{}, false
	}
	return rec.refreshedAt, true
}

type seedFile struct {
	Apps []seedApp `yaml:"apps"`
}

type seedApp struct {
	BundleID          string `yaml:"bundle_id"`
	Name              string `yaml:"name"`
	Version           string `yaml:"version"`
	BackgroundRefresh *bool  `yaml:"background_refresh"`
}

// LoadSeed decodes installed apps from YAML:
//
//	apps:
//	  - bundle_id: com.example.app
//	    name: Example
//	    version: "1.0"
//	    background_refresh: true
//
// background_refresh defaults to true.
func LoadSeed(r io.Reader) ([]refresh.InstalledApp, error) {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode seed: %w", err)
	}

	apps := make([]refresh.InstalledApp, 0, len(seed.Apps))
	for i, a := range seed.Apps {
		if a.BundleID == "" {
			return nil, fmt.Errorf("seed app %d: bundle_id is required", i)
		}
		app := refresh.InstalledApp{BundleID: a.BundleID, Name: a.Name, Version: a.Version, BackgroundRefresh: true}
		if a.BackgroundRefresh != nil {
			app.BackgroundRefresh = *a.BackgroundRefresh
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// LoadSeedFile reads a seed file from path.
func LoadSeedFile(path string) ([]refresh.InstalledApp, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return LoadSeed(f)
}
