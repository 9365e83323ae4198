// Package catalog fetches the remote app catalog over HTTP.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
)

// maxCatalogSize bounds the response body that will be decoded.
const maxCatalogSize = 8 << 20

// Config describes where the catalog lives and how hard to try fetching it.
type Config struct {
	URL           string
	Timeout       time.Duration
	MaxRetries    uint64
	RetryInterval time.Duration
}

// source is the wire format of a catalog document.
type source struct {
	Name string               `json:"name"`
	Apps []refresh.CatalogApp `json:"apps"`
}

// StatusError reports a non-2xx catalog response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog responded with status %d", e.StatusCode)
}

// NewHTTPClient returns an HTTP client whose transport is traced.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

var _ refresh.CatalogFetcher = (*Fetcher)(nil)

// Fetcher implements refresh.CatalogFetcher.
type Fetcher struct {
	cfg        Config
	httpClient *http.Client

	logger *logger.Logger
	tracer trace.Tracer
}

// NewFetcher creates a Fetcher. A nil httpClient gets NewHTTPClient.
func NewFetcher(cfg Config, httpClient *http.Client, logger *logger.Logger, tracer trace.Tracer) *Fetcher {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg.Timeout)
	}
	return &Fetcher{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "catalog_fetcher"),
		tracer:     tracer,
	}
}

// FetchCatalog downloads and decodes the catalog. Transport errors and 5xx
// responses are retried up to MaxRetries times; anything else fails at once.
func (f *Fetcher) FetchCatalog(ctx context.Context) ([]refresh.CatalogApp, error) {
	ctx, span := f.tracer.Start(ctx, "catalog_fetcher.fetch",
		trace.WithAttributes(attribute.String("catalog.url", f.cfg.URL)))
	defer span.End()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = f.cfg.RetryInterval
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, f.cfg.MaxRetries), ctx)

	var (
		apps     []refresh.CatalogApp
		attempts int
	)
	operation := func() error {
		attempts++
		var err error
		apps, err = f.fetchOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return backoff.Permanent(err)
		}
		f.logger.Warn(ctx, "catalog fetch failed, retrying", "attempt", attempts, "error", err)
		return err
	}

	if err := backoff.Retry(operation, policy); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch catalog")
		return nil, fmt.Errorf("%w: %w", refresh.ErrCatalogUnavailable, err)
	}

	span.SetAttributes(attribute.Int("catalog.apps", len(apps)), attribute.Int("catalog.attempts", attempts))
	span.SetStatus(codes.Ok, "catalog fetched")
	return apps, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context) ([]refresh.CatalogApp, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	var src source
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCatalogSize)).Decode(&src); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	apps := make([]refresh.CatalogApp, 0, len(src.Apps))
	for _, app := range src.Apps {
		if app.BundleID == "" {
			continue
		}
		apps = append(apps, app)
	}
	return apps, nil
}

func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr)
}
