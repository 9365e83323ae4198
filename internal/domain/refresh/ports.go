package refresh

import (
	"context"
	"time"
)

// AppRepository is the storage collaborator. It owns managed app records.
type AppRepository interface {
	// AppsForBackgroundRefresh enumerates the managed apps due for refresh,
	// ordered by bundle identifier.
	AppsForBackgroundRefresh(ctx context.Context) ([]ManagedApp, error)

	// SaveCatalog stores the latest catalog versions and returns the updates
	// that became available with this save and were not pending before it.
	SaveCatalog(ctx context.Context, apps []CatalogApp) ([]AppUpdate, error)

	// PendingUpdates returns every update currently pending.
	PendingUpdates(ctx context.Context) ([]AppUpdate, error)

	// MarkRefreshed records a successful refresh of bundleID at the given time.
	MarkRefreshed(ctx context.Context, bundleID string, at time.Time) error
}

// Server is a reachable remote helper server able to install apps.
type Server struct {
	ID      string
	Address string
}

// ServerDiscoverer is the discovery collaborator. Start and Stop are
// idempotent.
type ServerDiscoverer interface {
	StartDiscovering(ctx context.Context)
	StopDiscovering()
	DiscoveredServers() []Server
}

// CatalogFetcher is the catalog-fetch collaborator.
type CatalogFetcher interface {
	FetchCatalog(ctx context.Context) ([]CatalogApp, error)
}

// Refresher is the refresh collaborator. Refresh returns immediately; the
// returned Operation reports progress and completion.
type Refresher interface {
	Refresh(ctx context.Context, apps []ManagedApp) *Operation
}
