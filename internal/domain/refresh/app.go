// Package refresh holds the domain model for background refresh sessions:
// managed apps, per-app refresh results, session state and the collaborator
// ports the orchestrator drives.
package refresh

// Update describes a newer version of a managed app that is available in the
// catalog but not yet installed.
type Update struct {
	Version string
}

// ManagedApp identifies one locally installed app eligible for refresh. It is
// an immutable snapshot for the duration of a session.
type ManagedApp struct {
	BundleID      string
	Name          string
	PendingUpdate *Update
}

// CatalogApp is one entry of the remote app catalog.
type CatalogApp struct {
	BundleID string `json:"bundleIdentifier"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// AppUpdate announces that Name can be updated to Version.
type AppUpdate struct {
	BundleID string
	Name     string
	Version  string
}

// BundleIDs returns the bundle identifiers of apps in order.
func BundleIDs(apps []ManagedApp) []string {
	ids := make([]string, 0, len(apps))
	for _, a := range apps {
		ids = append(ids, a.BundleID)
	}
	return ids
}

// InstalledApp is the stored record behind a ManagedApp.
type InstalledApp struct {
	BundleID          string
	Name              string
	Version           string
	BackgroundRefresh bool
}

// NewUpdates returns the updates in after that were not already in before,
// matching on bundle identifier and version, in the order of after.
func NewUpdates(before, after []AppUpdate) []AppUpdate {
	seen := make(map[AppUpdate]struct{}, len(before))
	for _, u := range before {
		seen[AppUpdate{BundleID: u.BundleID, Version: u.Version}] = struct{}{}
	}

	fresh := make([]AppUpdate, 0, len(after))
	for _, u := range after {
		if _, ok := seen[AppUpdate{BundleID: u.BundleID, Version: u.Version}]; ok {
			continue
		}
		fresh = append(fresh, u)
	}
	return fresh
}
