package orchestration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
)

// OrchestrationMetrics defines metrics operations needed by the orchestrator.
type OrchestrationMetrics interface {
	// Session metrics.
	IncSessionsStarted(ctx context.Context, isLaunch bool)
	IncSessionsCompleted(ctx context.Context, result refresh.FetchResult)
	IncSessionsRejected(ctx context.Context)
	ObserveSessionDuration(ctx context.Context, duration time.Duration)

	// Budget metrics.
	IncBudgetDenied(ctx context.Context)

	// Probe metrics.
	IncProbesSent(ctx context.Context)
	IncProbeErrors(ctx context.Context)
	IncAcknowledgments(ctx context.Context)

	// Refresh metrics.
	ObserveTargets(ctx context.Context, count int)
	IncSelfUpdates(ctx context.Context)
	IncCatalogErrors(ctx context.Context)
}

type orchestrationMetrics struct {
	sessionsStarted   metric.Int64Counter
	sessionsCompleted metric.Int64Counter
	sessionsRejected  metric.Int64Counter
	sessionDuration   metric.Float64Histogram
	activeSessions    metric.Int64UpDownCounter

	budgetDenied metric.Int64Counter

	probesSent      metric.Int64Counter
	probeErrors     metric.Int64Counter
	acknowledgments metric.Int64Counter

	targets       metric.Int64Histogram
	selfUpdates   metric.Int64Counter
	catalogErrors metric.Int64Counter
}

const namespace = "refresh_orchestrator"

// NewOrchestrationMetrics creates a new orchestration metrics instance.
func NewOrchestrationMetrics(mp metric.MeterProvider) (*orchestrationMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	c := new(orchestrationMetrics)
	var err error

	if c.sessionsStarted, err = meter.Int64Counter(
		"sessions_started_total",
		metric.WithDescription("Total number of refresh sessions started"),
	); err != nil {
		return nil, err
	}

	if c.sessionsCompleted, err = meter.Int64Counter(
		"sessions_completed_total",
		metric.WithDescription("Total number of refresh sessions that reached a terminal state"),
	); err != nil {
		return nil, err
	}

	if c.sessionsRejected, err = meter.Int64Counter(
		"sessions_rejected_total",
		metric.WithDescription("Total number of sessions rejected because another was in flight"),
	); err != nil {
		return nil, err
	}

	if c.sessionDuration, err = meter.Float64Histogram(
		"session_duration_seconds",
		metric.WithDescription("Time from session start to its terminal state"),
	); err != nil {
		return nil, err
	}

	if c.activeSessions, err = meter.Int64UpDownCounter(
		"active_sessions",
		metric.WithDescription("Indicates if a refresh session is in progress"),
	); err != nil {
		return nil, err
	}

	if c.budgetDenied, err = meter.Int64Counter(
		"budget_denied_total",
		metric.WithDescription("Total number of denied execution budget requests"),
	); err != nil {
		return nil, err
	}

	if c.probesSent, err = meter.Int64Counter(
		"probes_sent_total",
		metric.WithDescription("Total number of liveness probes posted"),
	); err != nil {
		return nil, err
	}

	if c.probeErrors, err = meter.Int64Counter(
		"probe_errors_total",
		metric.WithDescription("Total number of liveness probes that could not be posted"),
	); err != nil {
		return nil, err
	}

	if c.acknowledgments, err = meter.Int64Counter(
		"acknowledgments_total",
		metric.WithDescription("Total number of liveness acknowledgments accepted"),
	); err != nil {
		return nil, err
	}

	if c.targets, err = meter.Int64Histogram(
		"refresh_targets",
		metric.WithDescription("Number of apps handed to the refresher per session"),
	); err != nil {
		return nil, err
	}

	if c.selfUpdates, err = meter.Int64Counter(
		"self_updates_total",
		metric.WithDescription("Total number of sessions that began installing the host app"),
	); err != nil {
		return nil, err
	}

	if c.catalogErrors, err = meter.Int64Counter(
		"catalog_errors_total",
		metric.WithDescription("Total number of failed catalog fetches"),
	); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *orchestrationMetrics) IncSessionsStarted(ctx context.Context, isLaunch bool) {
	c.sessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("is_launch", isLaunch)))
	c.activeSessions.Add(ctx, 1)
}

func (c *orchestrationMetrics) IncSessionsCompleted(ctx context.Context, result refresh.FetchResult) {
	c.sessionsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("fetch_result", result.String())))
	c.activeSessions.Add(ctx, -1)
}

func (c *orchestrationMetrics) IncSessionsRejected(ctx context.Context) {
	c.sessionsRejected.Add(ctx, 1)
}

func (c *orchestrationMetrics) ObserveSessionDuration(ctx context.Context, duration time.Duration) {
	c.sessionDuration.Record(ctx, duration.Seconds())
}

func (c *orchestrationMetrics) IncBudgetDenied(ctx context.Context) {
	c.budgetDenied.Add(ctx, 1)
}

func (c *orchestrationMetrics) IncProbesSent(ctx context.Context) {
	c.probesSent.Add(ctx, 1)
}

func (c *orchestrationMetrics) IncProbeErrors(ctx context.Context) {
	c.probeErrors.Add(ctx, 1)
}

func (c *orchestrationMetrics) IncAcknowledgments(ctx context.Context) {
	c.acknowledgments.Add(ctx, 1)
}

func (c *orchestrationMetrics) ObserveTargets(ctx context.Context, count int) {
	c.targets.Record(ctx, int64(count))
}

func (c *orchestrationMetrics) IncSelfUpdates(ctx context.Context) {
	c.selfUpdates.Add(ctx, 1)
}

func (c *orchestrationMetrics) IncCatalogErrors(ctx context.Context) {
	c.catalogErrors.Add(ctx, 1)
}
