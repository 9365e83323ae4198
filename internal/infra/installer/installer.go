// Package installer refreshes managed apps through a discovered helper server.
package installer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
	"github.com/massimiliano76/AltStore/pkg/common/timeutil"
)

// Config controls how installs are requested.
type Config struct {
	SelfAppID     string
	Timeout       time.Duration
	MaxRetries    uint64
	RetryInterval time.Duration
	// RequestsPerSecond throttles install requests to the helper server.
	// Zero disables throttling.
	RequestsPerSecond float64
}

type installRequest struct {
	BundleID string `json:"bundleIdentifier"`
	Version  string `json:"version,omitempty"`
}

type installError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// mediaConflictCode is the helper's error code for a held media session.
const mediaConflictCode = "media_resource_conflict"

// InstallError is a failure reported by the helper server.
type InstallError struct {
	StatusCode int
	Message    string
}

func (e *InstallError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("helper server responded with status %d", e.StatusCode)
	}
	return e.Message
}

// Option configures an Installer.
type Option func(*Installer)

// WithClock sets the clock used to stamp successful refreshes.
func WithClock(clock timeutil.Provider) Option {
	return func(i *Installer) { i.clock = clock }
}

var _ refresh.Refresher = (*Installer)(nil)

// Installer implements refresh.Refresher. Apps are installed one at a time,
// the app identified by SelfAppID last.
type Installer struct {
	cfg        Config
	httpClient *http.Client
	discovery  refresh.ServerDiscoverer
	repo       refresh.AppRepository
	limiter    *rate.Limiter
	clock      timeutil.Provider

	logger *logger.Logger
	tracer trace.Tracer
}

// NewInstaller creates an Installer. The httpClient should carry a traced
// transport; see catalog.NewHTTPClient.
func NewInstaller(
	cfg Config,
	httpClient *http.Client,
	discovery refresh.ServerDiscoverer,
	repo refresh.AppRepository,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) *Installer {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 250 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	i := &Installer{
		cfg:        cfg,
		httpClient: httpClient,
		discovery:  discovery,
		repo:       repo,
		limiter:    rate.NewLimiter(limit, 1),
		clock:      timeutil.Default(),
		logger:     logger.With("component", "installer"),
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Refresh starts refreshing apps and returns immediately.
func (i *Installer) Refresh(ctx context.Context, apps []refresh.ManagedApp) *refresh.Operation {
	op := refresh.NewOperation(len(apps))
	go i.run(ctx, op, i.order(apps))
	return op
}

func (i *Installer) order(apps []refresh.ManagedApp) []refresh.ManagedApp {
	ordered := make([]refresh.ManagedApp, 0, len(apps))
	var self []refresh.ManagedApp
	for _, app := range apps {
		if app.BundleID == i.cfg.SelfAppID {
			self = append(self, app)
			continue
		}
		ordered = append(ordered, app)
	}
	return append(ordered, self...)
}

func (i *Installer) run(ctx context.Context, op *refresh.Operation, apps []refresh.ManagedApp) {
	defer op.Finish()

	ctx, span := i.tracer.Start(ctx, "installer.refresh",
		trace.WithAttributes(attribute.Int("app_count", len(apps))))
	defer span.End()

	servers := i.discovery.DiscoveredServers()
	if len(servers) == 0 {
		span.SetStatus(codes.Error, "no helper server")
		op.Fail(refresh.ErrServerNotFound)
		i.logger.Info(ctx, "no helper server discovered, skipping refresh", "app_count", len(apps))
		return
	}
	server := servers[0]
	span.SetAttributes(attribute.String("server_id", server.ID))

	for _, app := range apps {
		if err := ctx.Err(); err != nil {
			op.Fail(err)
			return
		}

		op.NotifyBeginInstall(app)
		err := i.install(ctx, server, app)
		if err == nil {
			if markErr := i.repo.MarkRefreshed(ctx, app.BundleID, i.clock.Now()); markErr != nil {
				i.logger.Warn(ctx, "failed to record refresh", "app_id", app.BundleID, "error", markErr)
			}
		} else {
			span.AddEvent("install_failed", trace.WithAttributes(
				attribute.String("app_id", app.BundleID),
				attribute.String("error", err.Error()),
			))
			i.logger.Warn(ctx, "app refresh failed", "app_id", app.BundleID, "error", err)
		}
		op.Record(app.BundleID, refresh.AppResult{App: app, Err: err})
	}
	span.SetStatus(codes.Ok, "refresh finished")
}

func (i *Installer) install(ctx context.Context, server refresh.Server, app refresh.ManagedApp) error {
	body, err := json.Marshal(installRequest{BundleID: app.BundleID, Version: pendingVersion(app)})
	if err != nil {
		return fmt.Errorf("failed to marshal install request: %w", err)
	}
	url := "http://" + strings.TrimSuffix(server.Address, "/") + "/v1/install"

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = i.cfg.RetryInterval
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, i.cfg.MaxRetries), ctx)

	operation := func() error {
		err := i.post(ctx, url, body)
		if err == nil {
			return nil
		}
		var installErr *InstallError
		if ctx.Err() != nil || errors.Is(err, refresh.ErrMediaResourceConflict) ||
			(errors.As(err, &installErr) && installErr.StatusCode < 500) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, policy)
}

func (i *Installer) post(ctx context.Context, url string, body []byte) error {
	if err := i.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("install throttle wait failed: %w", err)
	}

	reqCtx := ctx
	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create install request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("install request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var apiErr installError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
	if apiErr.Code == mediaConflictCode {
		return refresh.ErrMediaResourceConflict
	}
	return &InstallError{StatusCode: resp.StatusCode, Message: apiErr.Message}
}

func pendingVersion(app refresh.ManagedApp) string {
	if app.PendingUpdate == nil {
		return ""
	}
	return app.PendingUpdate.Version
}
