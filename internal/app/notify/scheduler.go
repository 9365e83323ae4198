// Package notify presents refresh outcomes to the user. The Scheduler keeps
// at most one pending outcome notification per identifier and keeps pushing
// it back for as long as the process stays alive, so it only surfaces once
// the process has been suspended or has exited.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
)

// Center is the platform notification center.
type Center interface {
	// Add schedules req. A pending request with the same identifier is
	// replaced.
	Add(ctx context.Context, req Request) error
	// RemovePending drops requests that have not fired yet.
	RemovePending(ctx context.Context, identifiers ...string)
	// SetBadge sets the app icon badge count.
	SetBadge(ctx context.Context, count int) error
}

// PendingNotification is one scheduled outcome notification together with
// the state needed to re-arm it.
type PendingNotification struct {
	Identifier string
	Outcome    refresh.Outcome
	IsLaunch   bool
	Delay      time.Duration
	Content    Content

	mu     sync.Mutex
	rearms int
	stop   chan struct{}
	done   chan struct{}
}

// Rearms returns how many times the notification has been pushed back.
func (p *PendingNotification) Rearms() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rearms
}

// Scheduler schedules, re-arms and cancels outcome notifications.
type Scheduler struct {
	center Center
	unit   time.Duration

	mu      sync.Mutex
	pending map[string]*PendingNotification

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScheduler creates a Scheduler. unit is the extra lead time added to
// every trigger.
func NewScheduler(center Center, unit time.Duration, logger *logger.Logger, tracer trace.Tracer) *Scheduler {
	return &Scheduler{
		center:  center,
		unit:    unit,
		pending: make(map[string]*PendingNotification),
		logger:  logger.With("component", "notification_scheduler"),
		tracer:  tracer,
	}
}

// Schedule replaces any notification pending under identifier with one
// describing outcome, due after delay plus one time unit. Suppressed
// outcomes leave nothing pending. When delay is positive the notification
// is re-armed every delay until it is canceled, the scheduler is stopped or
// ctx is done.
func (s *Scheduler) Schedule(
	ctx context.Context,
	identifier string,
	outcome refresh.Outcome,
	isLaunch bool,
	delay time.Duration,
) error {
	ctx, span := s.tracer.Start(ctx, "notification_scheduler.schedule",
		trace.WithAttributes(
			attribute.String("identifier", identifier),
			attribute.Bool("is_launch", isLaunch),
			attribute.String("delay", delay.String()),
		))
	defer span.End()

	s.Cancel(ctx, identifier)

	content, ok := Classify(outcome, isLaunch)
	if !ok {
		span.AddEvent("notification_suppressed")
		s.logger.Debug(ctx, "Outcome notification suppressed", "identifier", identifier, "error", outcome.Error())
		return nil
	}

	pn := &PendingNotification{
		Identifier: identifier,
		Outcome:    outcome,
		IsLaunch:   isLaunch,
		Delay:      delay,
		Content:    content,
	}

	req := Request{Identifier: identifier, Content: content, Trigger: delay + s.unit}
	if err := s.center.Add(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to add notification")
		return fmt.Errorf("failed to schedule notification (identifier: %s): %w", identifier, err)
	}

	if delay > 0 {
		pn.stop = make(chan struct{})
		pn.done = make(chan struct{})
		go s.rearmLoop(ctx, pn, req)
	}

	s.mu.Lock()
	replaced := s.pending[identifier]
	s.pending[identifier] = pn
	s.mu.Unlock()
	if replaced != nil {
		// A concurrent Schedule for the same identifier won the race to
		// the center; only the loop of the entry now in the map survives.
		stopLoop(replaced)
	}

	span.AddEvent("notification_scheduled")
	s.logger.Debug(ctx, "Outcome notification scheduled",
		"identifier", identifier,
		"title", content.Title,
		"trigger", req.Trigger,
	)
	return nil
}

// rearmLoop pushes req back every pn.Delay until stopped.
func (s *Scheduler) rearmLoop(ctx context.Context, pn *PendingNotification, req Request) {
	defer close(pn.done)

	ticker := time.NewTicker(pn.Delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pn.stop:
			return
		case <-ticker.C:
			s.center.RemovePending(ctx, pn.Identifier)
			if err := s.center.Add(ctx, req); err != nil {
				s.logger.Warn(ctx, "failed to re-arm notification", "identifier", pn.Identifier, "error", err)
				continue
			}
			pn.mu.Lock()
			pn.rearms++
			pn.mu.Unlock()
		}
	}
}

// Cancel removes anything pending under identifier. It is a no-op when
// nothing is pending.
func (s *Scheduler) Cancel(ctx context.Context, identifier string) {
	s.mu.Lock()
	pn, ok := s.pending[identifier]
	delete(s.pending, identifier)
	s.mu.Unlock()

	if ok {
		stopLoop(pn)
	}
	s.center.RemovePending(ctx, identifier)
}

// Pending returns the notification pending under identifier.
func (s *Scheduler) Pending(identifier string) (*PendingNotification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pn, ok := s.pending[identifier]
	return pn, ok
}

// Stop ends every re-arm loop without removing the notifications from the
// center, so whatever is pending fires on its last trigger.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	pending := make([]*PendingNotification, 0, len(s.pending))
	for _, pn := range s.pending {
		pending = append(pending, pn)
	}
	s.mu.Unlock()

	for _, pn := range pending {
		stopLoop(pn)
	}
}

func stopLoop(pn *PendingNotification) {
	pn.mu.Lock()
	stop := pn.stop
	pn.stop = nil
	pn.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-pn.done
}

// AnnounceUpdates posts an immediate notification for each update and sets
// the badge to the number of updates still pending.
func (s *Scheduler) AnnounceUpdates(ctx context.Context, updates []refresh.AppUpdate, pendingCount int) error {
	ctx, span := s.tracer.Start(ctx, "notification_scheduler.announce_updates",
		trace.WithAttributes(
			attribute.Int("update_count", len(updates)),
			attribute.Int("pending_count", pendingCount),
		))
	defer span.End()

	for _, update := range updates {
		req := Request{Identifier: uuid.NewString(), Content: UpdateContent(update)}
		if err := s.center.Add(ctx, req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to announce update")
			return fmt.Errorf("failed to announce update (bundle_id: %s): %w", update.BundleID, err)
		}
		s.logger.Info(ctx, "Announced update", "bundle_id", update.BundleID, "version", update.Version)
	}

	if err := s.center.SetBadge(ctx, pendingCount); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to set badge")
		return fmt.Errorf("failed to set badge: %w", err)
	}
	return nil
}
