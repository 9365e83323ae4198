package orchestration

import (
	"context"
	"sync/atomic"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
)

// Lifecycle tracks whether the process is in the foreground and keeps server
// discovery running only while it is.
type Lifecycle struct {
	background atomic.Bool
	discovery  refresh.ServerDiscoverer
	logger     *logger.Logger
}

var _ StateProvider = (*Lifecycle)(nil)

// NewLifecycle creates a Lifecycle that starts out in the background.
func NewLifecycle(discovery refresh.ServerDiscoverer, logger *logger.Logger) *Lifecycle {
	l := &Lifecycle{discovery: discovery, logger: logger.With("component", "lifecycle")}
	l.background.Store(true)
	return l
}

// Launch is called once at startup.
func (l *Lifecycle) Launch(ctx context.Context, foreground bool) {
	l.discovery.StartDiscovering(ctx)
	l.background.Store(!foreground)
	l.logger.Info(ctx, "Launched", "foreground", foreground)
}

// EnterForeground resumes discovery.
func (l *Lifecycle) EnterForeground(ctx context.Context) {
	l.background.Store(false)
	l.discovery.StartDiscovering(ctx)
	l.logger.Info(ctx, "Entered foreground")
}

// EnterBackground stops discovery.
func (l *Lifecycle) EnterBackground(ctx context.Context) {
	l.background.Store(true)
	l.discovery.StopDiscovering()
	l.logger.Info(ctx, "Entered background")
}

// Toggle flips between foreground and background.
func (l *Lifecycle) Toggle(ctx context.Context) {
	if l.IsBackground() {
		l.EnterForeground(ctx)
		return
	}
	l.EnterBackground(ctx)
}

// IsBackground reports whether the process is background only.
func (l *Lifecycle) IsBackground() bool { return l.background.Load() }
