// Package postgres implements the app repository on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// ErrAppNotFound is returned when a bundle identifier has no stored record.
var ErrAppNotFound = errors.New("managed app not found")

var _ refresh.AppRepository = (*appStore)(nil)

// appStore implements refresh.AppRepository using PostgreSQL.
type appStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewAppStore creates a PostgreSQL-backed app repository with tracing.
func NewAppStore(pool *pgxpool.Pool, tracer trace.Tracer) *appStore {
	return &appStore{db: pool, tracer: tracer}
}

func withAttrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(extra))
	attrs = append(attrs, defaultDBAttributes...)
	return append(attrs, extra...)
}

const upsertAppQuery = `
INSERT INTO managed_apps (bundle_id, name, installed_version, background_refresh)
VALUES ($1, $2, $3, $4)
ON CONFLICT (bundle_id) DO UPDATE
SET name = EXCLUDED.name,
    installed_version = EXCLUDED.installed_version,
    background_refresh = EXCLUDED.background_refresh,
    updated_at = NOW()`

// UpsertApp stores or replaces an installed app record.
func (s *appStore) UpsertApp(ctx context.Context, app refresh.InstalledApp) error {
	attrs := withAttrs(attribute.String("bundle_id", app.BundleID))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.upsert_app", attrs, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, upsertAppQuery, app.BundleID, app.Name, app.Version, app.BackgroundRefresh)
		if err != nil {
			return fmt.Errorf("failed to upsert app: %w", err)
		}
		return nil
	})
}

const listAppsQuery = `
SELECT m.bundle_id, m.name, p.version
FROM managed_apps m
LEFT JOIN pending_updates p ON p.bundle_id = m.bundle_id
WHERE m.background_refresh
ORDER BY m.bundle_id`

// AppsForBackgroundRefresh returns every app opted into background refresh,
// ordered by bundle identifier.
func (s *appStore) AppsForBackgroundRefresh(ctx context.Context) ([]refresh.ManagedApp, error) {
	var apps []refresh.ManagedApp
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.apps_for_background_refresh", withAttrs(), func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, listAppsQuery)
		if err != nil {
			return fmt.Errorf("failed to query apps: %w", err)
		}

		apps, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (refresh.ManagedApp, error) {
			var (
				app     refresh.ManagedApp
				pending *string
			)
			if err := row.Scan(&app.BundleID, &app.Name, &pending); err != nil {
				return refresh.ManagedApp{}, err
			}
			if pending != nil {
				app.PendingUpdate = &refresh.Update{Version: *pending}
			}
			return app, nil
		})
		if err != nil {
			return fmt.Errorf("failed to scan apps: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return apps, nil
}

const pendingUpdatesQuery = `
SELECT bundle_id, name, version
FROM pending_updates
ORDER BY bundle_id`

// PendingUpdates returns every update the catalog currently offers.
func (s *appStore) PendingUpdates(ctx context.Context) ([]refresh.AppUpdate, error) {
	var updates []refresh.AppUpdate
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.pending_updates", withAttrs(), func(ctx context.Context) error {
		var err error
		updates, err = pendingUpdates(ctx, s.db)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updates, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pendingUpdates(ctx context.Context, q querier) ([]refresh.AppUpdate, error) {
	rows, err := q.Query(ctx, pendingUpdatesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending updates: %w", err)
	}
	updates, err := pgx.CollectRows(rows, pgx.RowToStructByPos[refresh.AppUpdate])
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending updates: %w", err)
	}
	return updates, nil
}

const upsertCatalogQuery = `
INSERT INTO catalog_versions (bundle_id, name, version)
VALUES ($1, $2, $3)
ON CONFLICT (bundle_id) DO UPDATE
SET name = EXCLUDED.name,
    version = EXCLUDED.version,
    updated_at = NOW()`

// SaveCatalog stores the catalog and returns the updates it introduced.
func (s *appStore) SaveCatalog(ctx context.Context, apps []refresh.CatalogApp) ([]refresh.AppUpdate, error) {
	var fresh []refresh.AppUpdate
	attrs := withAttrs(attribute.Int("catalog_size", len(apps)))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_catalog", attrs, func(ctx context.Context) error {
		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		before, err := pendingUpdates(ctx, tx)
		if err != nil {
			return err
		}

		if len(apps) > 0 {
			batch := new(pgx.Batch)
			for _, app := range apps {
				batch.Queue(upsertCatalogQuery, app.BundleID, app.Name, app.Version)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("failed to upsert catalog: %w", err)
			}
		}

		after, err := pendingUpdates(ctx, tx)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit catalog: %w", err)
		}

		fresh = refresh.NewUpdates(before, after)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

const markRefreshedQuery = `
UPDATE managed_apps
SET refreshed_at = $2, updated_at = NOW()
WHERE bundle_id = $1`

// MarkRefreshed records when bundleID was last refreshed.
func (s *appStore) MarkRefreshed(ctx context.Context, bundleID string, at time.Time) error {
	attrs := withAttrs(attribute.String("bundle_id", bundleID))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.mark_refreshed", attrs, func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, markRefreshedQuery, bundleID, at)
		if err != nil {
			return fmt.Errorf("failed to mark app refreshed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrAppNotFound, bundleID)
		}
		return nil
	})
}

const lastRefreshedQuery = `SELECT refreshed_at FROM managed_apps WHERE bundle_id = $1`

// LastRefreshed returns when bundleID was last refreshed. The time is zero
// when it never was.
func (s *appStore) LastRefreshed(ctx context.Context, bundleID string) (time.Time, error) {
	var at *time.Time
	attrs := withAttrs(attribute.String("bundle_id", bundleID))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.last_refreshed", attrs, func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, lastRefreshedQuery, bundleID).Scan(&at)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrAppNotFound, bundleID)
		}
		if err != nil {
			return fmt.Errorf("failed to query last refresh: %w", err)
		}
		return nil
	})
	if err != nil || at == nil {
		return time.Time{}, err
	}
	return *at, nil
}
