// Package fsbus provides a host-local liveness transport. Posting a signal
// drops an empty marker file into a shared directory; every listening
// process watches that directory and turns file creations back into signal
// names. Marker files are removed after a short TTL.
package fsbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/massimiliano76/AltStore/internal/infra/liveness"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
)

const (
	defaultTTL = 10 * time.Second
	separator  = "#"
)

var _ liveness.Transport = (*Bus)(nil)

// Bus is a directory-backed broadcast transport.
type Bus struct {
	dir string
	ttl time.Duration

	mu       sync.Mutex
	closed   bool
	timers   map[string]*time.Timer
	watchers []*fsnotify.Watcher

	logger *logger.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithTTL sets how long marker files stay on disk.
func WithTTL(ttl time.Duration) Option { return func(b *Bus) { b.ttl = ttl } }

// New creates a Bus rooted at dir, creating the directory if needed.
func New(dir string, logger *logger.Logger, opts ...Option) (*Bus, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating signal directory: %w", err)
	}

	b := &Bus{
		dir:    dir,
		ttl:    defaultTTL,
		timers: make(map[string]*time.Timer),
		logger: logger.With("component", "liveness_fsbus", "dir", dir),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Post writes a marker file for name.
func (b *Bus) Post(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || strings.ContainsAny(name, separator+string(os.PathSeparator)) {
		return fmt.Errorf("invalid signal name %q", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus closed")
	}

	path := filepath.Join(b.dir, name+separator+uuid.NewString())
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		return fmt.Errorf("writing signal file: %w", err)
	}

	b.timers[path] = time.AfterFunc(b.ttl, func() {
		b.mu.Lock()
		delete(b.timers, path)
		b.mu.Unlock()
		_ = os.Remove(path)
	})
	return nil
}

// Listen watches the directory and delivers the name of every marker file
// created after the call returns.
func (b *Bus) Listen(ctx context.Context, deliver func(name string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(b.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching signal directory: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		watcher.Close()
		return errors.New("bus closed")
	}
	b.watchers = append(b.watchers, watcher)
	b.mu.Unlock()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) {
					continue
				}
				if name, ok := SignalName(filepath.Base(ev.Name)); ok {
					deliver(name)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				b.logger.Warn(ctx, "signal watcher error", "error", err)
			}
		}
	}()

	return nil
}

// SignalName recovers the signal name from a marker file name.
func SignalName(file string) (string, bool) {
	name, _, ok := strings.Cut(file, separator)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// Close stops every watcher and removes marker files this bus still owns.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for _, w := range b.watchers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for path, timer := range b.timers {
		timer.Stop()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	b.timers = nil
	return errors.Join(errs...)
}
