// Package liveness implements the cross-process "are you running?" probe
// protocol. A Channel owns a registry of per-signal handlers on top of a
// Transport that carries bare signal names between processes.
package liveness

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/massimiliano76/AltStore/pkg/common/logger"
)

type registration struct {
	id uint64
	fn func(name string)
}

// Channel dispatches signals arriving on a Transport to the handlers
// registered for their exact name.
type Channel struct {
	transport Transport
	cancel    context.CancelFunc

	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   uint64

	logger *logger.Logger
	tracer trace.Tracer
}

// NewChannel starts listening on transport and returns a Channel ready to
// register handlers. The listener stops when ctx is done or Close is called.
func NewChannel(ctx context.Context, transport Transport, logger *logger.Logger, tracer trace.Tracer) (*Channel, error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		transport: transport,
		cancel:    cancel,
		handlers:  make(map[string][]registration),
		logger:    logger.With("component", "liveness_channel"),
		tracer:    tracer,
	}

	if err := transport.Listen(ctx, c.dispatch); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to listen on liveness transport: %w", err)
	}

	return c, nil
}

// Register installs fn for signals named name and returns a function that
// removes it. Removal is idempotent.
func (c *Channel) Register(name string, fn func(name string)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[name] = append(c.handlers[name], registration{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unregister(name, id) })
	}
}

func (c *Channel) unregister(name string, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs := c.handlers[name]
	for i, r := range regs {
		if r.id == id {
			regs = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(regs) == 0 {
		delete(c.handlers, name)
		return
	}
	c.handlers[name] = regs
}

// HandlerCount returns how many handlers are registered for name.
func (c *Channel) HandlerCount(name string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers[name])
}

func (c *Channel) dispatch(name string) {
	c.mu.RLock()
	regs := c.handlers[name]
	// Copy so handlers can unregister without holding the lock.
	handlersCopy := make([]registration, len(regs))
	copy(handlersCopy, regs)
	c.mu.RUnlock()

	for _, r := range handlersCopy {
		r.fn(name)
	}
}

// Post broadcasts a raw signal.
func (c *Channel) Post(ctx context.Context, name string) error {
	return c.transport.Post(ctx, name)
}

// Probe broadcasts the "are you alive" signal for appID. A nil error only
// means the signal was handed to the transport, not that anyone heard it.
func (c *Channel) Probe(ctx context.Context, appID string) error {
	ctx, span := c.tracer.Start(ctx, "liveness_channel.probe",
		trace.WithAttributes(attribute.String("app_id", appID)))
	defer span.End()

	if err := c.transport.Post(ctx, RequestAppState(appID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to post probe")
		return fmt.Errorf("failed to post probe (app_id: %s): %w", appID, err)
	}
	span.AddEvent("probe_posted")
	return nil
}

// Subscription groups registrations so they can be torn down together.
type Subscription struct {
	once    sync.Once
	removes []func()
}

// Cancel removes every registration of the subscription. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		for _, remove := range s.removes {
			remove()
		}
	})
}

// ObserveAcknowledgments registers for the "I am alive" signal of every app
// in appIDs and calls fn with the app identifier each time one arrives. It
// must be installed before probes are posted.
func (c *Channel) ObserveAcknowledgments(appIDs []string, fn func(appID string)) *Subscription {
	sub := &Subscription{removes: make([]func(), 0, len(appIDs))}
	for _, id := range appIDs {
		sub.removes = append(sub.removes, c.Register(AppIsRunning(id), func(name string) {
			if appID, ok := AppIDFromRunning(name); ok {
				fn(appID)
			}
		}))
	}
	return sub
}

// Close stops listening and closes the transport.
func (c *Channel) Close() error {
	c.cancel()
	return c.transport.Close()
}
