package liveness

import "context"

// Transport moves payload-free, named signals between processes. Delivery is
// best effort: a transport may drop signals but must never invent them.
type Transport interface {
	// Post broadcasts name to every listener on the transport, including
	// listeners in the posting process.
	Post(ctx context.Context, name string) error

	// Listen starts delivering every observed signal name to deliver until
	// ctx is done. It returns once the listener is installed; deliver is
	// called from a single goroutine per Listen call.
	Listen(ctx context.Context, deliver func(name string)) error

	// Close releases transport resources.
	Close() error
}
