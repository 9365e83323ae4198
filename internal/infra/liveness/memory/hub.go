// Package memory provides an in-process liveness transport. A Hub stands in
// for the host-wide notification bus; each Endpoint plays the part of one
// process attached to it.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/massimiliano76/AltStore/internal/infra/liveness"
)

// queueSize bounds how many undelivered signals a listener buffers before
// further signals to it are dropped.
const queueSize = 256

var errEndpointClosed = errors.New("endpoint closed")

type listener struct {
	queue chan string
}

// Hub broadcasts every posted signal to every listener of every endpoint.
type Hub struct {
	mu        sync.RWMutex
	listeners []*listener
}

// NewHub creates an empty hub.
func NewHub() *Hub { return new(Hub) }

// Endpoint returns a new transport attached to the hub.
func (h *Hub) Endpoint() *Endpoint { return &Endpoint{hub: h} }

func (h *Hub) subscribe(ctx context.Context, l *listener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, candidate := range h.listeners {
			if candidate == l {
				h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
				break
			}
		}
	}()
}

func (h *Hub) publish(name string) {
	h.mu.RLock()
	// Copy listeners to avoid holding the lock while enqueueing.
	listenersCopy := make([]*listener, len(h.listeners))
	copy(listenersCopy, h.listeners)
	h.mu.RUnlock()

	for _, l := range listenersCopy {
		select {
		case l.queue <- name:
		default:
		}
	}
}

var _ liveness.Transport = (*Endpoint)(nil)

// Endpoint is one process's view of the hub.
type Endpoint struct {
	hub *Hub

	mu      sync.Mutex
	closed  bool
	cancels []context.CancelFunc
}

// Post broadcasts name on the hub.
func (e *Endpoint) Post(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return errEndpointClosed
	}

	e.hub.publish(name)
	return nil
}

// Listen delivers signals to deliver, one at a time, until ctx is done or
// the endpoint is closed.
func (e *Endpoint) Listen(ctx context.Context, deliver func(name string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deliver == nil {
		return errors.New("deliver cannot be nil")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errEndpointClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancels = append(e.cancels, cancel)
	e.mu.Unlock()

	l := &listener{queue: make(chan string, queueSize)}
	e.hub.subscribe(ctx, l)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case name := <-l.queue:
				deliver(name)
			}
		}
	}()

	return nil
}

// Close detaches every listener of the endpoint.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for _, cancel := range e.cancels {
		cancel()
	}
	return nil
}
