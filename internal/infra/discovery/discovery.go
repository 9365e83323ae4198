// Package discovery finds helper servers that are reachable from this host.
//
// Candidates come from configuration. A background loop dials each candidate
// once per interval and keeps the set that answered on the last round.
package discovery

import (
	"context"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
	"github.com/massimiliano76/AltStore/pkg/common/otel"
)

// DialFunc opens a connection to address. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config controls the discovery loop.
type Config struct {
	Servers     []refresh.Server
	DialTimeout time.Duration
	Interval    time.Duration
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithDialer replaces the network dialer.
func WithDialer(dial DialFunc) Option {
	return func(d *Discoverer) { d.dial = dial }
}

var _ refresh.ServerDiscoverer = (*Discoverer)(nil)

// Discoverer implements refresh.ServerDiscoverer by dialing configured
// helper servers.
type Discoverer struct {
	cfg  Config
	dial DialFunc

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	reachable map[string]refresh.Server

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDiscoverer creates a Discoverer for cfg.Servers.
func NewDiscoverer(cfg Config, logger *logger.Logger, tracer trace.Tracer, opts ...Option) *Discoverer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	dialer := &net.Dialer{}
	d := &Discoverer{
		cfg:       cfg,
		dial:      dialer.DialContext,
		reachable: make(map[string]refresh.Server),
		logger:    logger.With("component", "server_discovery"),
		tracer:    tracer,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// StartDiscovering starts the dial loop unless it is already running. The
// loop ends when ctx is done or StopDiscovering is called.
func (d *Discoverer) StartDiscovering(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running() {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.cancel, d.done = cancel, done

	d.logger.Debug(ctx, "server discovery started", "candidates", len(d.cfg.Servers))
	go d.loop(loopCtx, done)
}

// running reports whether a loop is active. A loop whose parent context ended
// counts as stopped. d.mu must be held.
func (d *Discoverer) running() bool {
	if d.done == nil {
		return false
	}
	select {
	case <-d.done:
		d.cancel()
		d.cancel, d.done = nil, nil
		return false
	default:
		return true
	}
}

// StopDiscovering stops the dial loop and forgets every discovered server.
func (d *Discoverer) StopDiscovering() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	if cancel == nil {
		d.mu.Unlock()
		return
	}
	cancel()
	d.cancel, d.done = nil, nil
	clear(d.reachable)
	d.mu.Unlock()

	<-done
}

// DiscoveredServers returns the servers that answered the most recent round,
// ordered by ID.
func (d *Discoverer) DiscoveredServers() []refresh.Server {
	d.mu.Lock()
	defer d.mu.Unlock()

	servers := make([]refresh.Server, 0, len(d.reachable))
	for _, s := range d.reachable {
		servers = append(servers, s)
	}
	slices.SortFunc(servers, func(a, b refresh.Server) int { return strings.Compare(a.ID, b.ID) })
	return servers
}

func (d *Discoverer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.round(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Discoverer) round(ctx context.Context) {
	ctx, span := otel.AddSpan(ctx, d.tracer, "server_discovery.round",
		attribute.Int("candidates", len(d.cfg.Servers)))
	defer span.End()

	reached := make([]bool, len(d.cfg.Servers))
	var g errgroup.Group
	for i, s := range d.cfg.Servers {
		g.Go(func() error {
			reached[i] = d.reach(ctx, s)
			return nil
		})
	}
	_ = g.Wait()

	found := make(map[string]refresh.Server, len(d.cfg.Servers))
	for i, s := range d.cfg.Servers {
		if reached[i] {
			found[s.ID] = s
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// A canceled round must not repopulate the set after StopDiscovering.
	if ctx.Err() != nil {
		return
	}
	d.reachable = found
	span.SetAttributes(attribute.Int("reachable", len(found)))
}

func (d *Discoverer) reach(ctx context.Context, s refresh.Server) bool {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	conn, err := d.dial(dialCtx, "tcp", s.Address)
	if err != nil {
		d.logger.Debug(ctx, "helper server unreachable", "server_id", s.ID, "address", s.Address, "error", err)
		return false
	}
	conn.Close()
	return true
}
