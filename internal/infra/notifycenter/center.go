// Package notifycenter is an in-process notification center. Requests wait
// for their trigger and are then handed to a Presenter unless they were
// removed first.
package notifycenter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/massimiliano76/AltStore/internal/app/notify"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
	"github.com/massimiliano76/AltStore/pkg/common/timeutil"
)

// Delivered is a notification that reached the user.
type Delivered struct {
	Identifier  string
	Content     notify.Content
	DeliveredAt time.Time
}

// Presenter shows delivered notifications.
type Presenter interface {
	Present(ctx context.Context, n Delivered)
}

// PresenterFunc adapts a function to a Presenter.
type PresenterFunc func(ctx context.Context, n Delivered)

// Present calls f.
func (f PresenterFunc) Present(ctx context.Context, n Delivered) { f(ctx, n) }

// LogPresenter writes delivered notifications to a logger.
type LogPresenter struct {
	Logger *logger.Logger
}

// Present logs n.
func (p LogPresenter) Present(ctx context.Context, n Delivered) {
	p.Logger.Info(ctx, n.Content.Title,
		"identifier", n.Identifier,
		"body", n.Content.Body,
		"kind", n.Content.Kind.String(),
	)
}

var errClosed = errors.New("notification center closed")

var _ notify.Center = (*Center)(nil)

type pendingRequest struct {
	req   notify.Request
	timer *time.Timer
	gen   uint64
}

// Center implements notify.Center.
type Center struct {
	presenter Presenter
	clock     timeutil.Provider

	mu        sync.Mutex
	closed    bool
	gen       uint64
	pending   map[string]*pendingRequest
	removed   chan struct{}
	delivered []Delivered
	badge     int
}

// New creates a Center that hands notifications to presenter.
func New(presenter Presenter, clock timeutil.Provider) *Center {
	if clock == nil {
		clock = timeutil.Default()
	}
	return &Center{
		presenter: presenter,
		clock:     clock,
		pending:   make(map[string]*pendingRequest),
		removed:   make(chan struct{}),
	}
}

// signalRemovedLocked wakes Flush callers. c.mu must be held.
func (c *Center) signalRemovedLocked() {
	close(c.removed)
	c.removed = make(chan struct{})
}

// Add schedules req, replacing a pending request with the same identifier.
func (c *Center) Add(ctx context.Context, req notify.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}
	if old, ok := c.pending[req.Identifier]; ok {
		old.timer.Stop()
	}

	c.gen++
	p := &pendingRequest{req: req, gen: c.gen}
	// Detach from ctx cancellation; a scheduled notification outlives the
	// call that scheduled it.
	fireCtx := context.WithoutCancel(ctx)
	p.timer = time.AfterFunc(max(req.Trigger, 0), func() { c.fire(fireCtx, req.Identifier, p.gen) })
	c.pending[req.Identifier] = p
	return nil
}

func (c *Center) fire(ctx context.Context, identifier string, gen uint64) {
	c.mu.Lock()
	p, ok := c.pending[identifier]
	if !ok || p.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.pending, identifier)
	c.signalRemovedLocked()
	n := Delivered{Identifier: identifier, Content: p.req.Content, DeliveredAt: c.clock.Now()}
	c.delivered = append(c.delivered, n)
	c.mu.Unlock()

	if c.presenter != nil {
		c.presenter.Present(ctx, n)
	}
}

// RemovePending drops pending requests. Unknown identifiers are ignored.
func (c *Center) RemovePending(_ context.Context, identifiers ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range identifiers {
		if p, ok := c.pending[id]; ok {
			p.timer.Stop()
			delete(c.pending, id)
		}
	}
	c.signalRemovedLocked()
}

// SetBadge sets the badge count.
func (c *Center) SetBadge(_ context.Context, count int) error {
	if count < 0 {
		return errors.New("badge count cannot be negative")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.badge = count
	return nil
}

// Badge returns the badge count.
func (c *Center) Badge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.badge
}

// Pending returns the identifiers of requests that have not fired yet.
func (c *Center) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}

// PendingRequest returns the request pending under identifier.
func (c *Center) PendingRequest(identifier string) (notify.Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[identifier]
	if !ok {
		return notify.Request{}, false
	}
	return p.req, true
}

// Delivered returns every notification delivered so far, oldest first.
func (c *Center) Delivered() []Delivered {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivered(nil), c.delivered...)
}

// Close stops every pending timer. Nothing fires after Close returns.
func (c *Center) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}
	c.signalRemovedLocked()
}

// Flush blocks until no request is pending or ctx is done.
func (c *Center) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return nil
		}
		removed := c.removed
		c.mu.Unlock()

		select {
		case <-removed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
