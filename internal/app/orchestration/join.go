package orchestration

import "sync"

// settled is the final value of a pending operation.
type settled[T any] struct {
	val T
	err error
}

// pending holds the result of an operation that may finish after whoever
// wanted it has stopped waiting. The first resolve wins; later ones, and
// resolves after nobody is looking, are dropped.
type pending[T any] struct {
	once   sync.Once
	done   chan struct{}
	result settled[T]
}

func newPending[T any]() *pending[T] {
	return &pending[T]{done: make(chan struct{})}
}

func (p *pending[T]) resolve(val T, err error) {
	p.once.Do(func() {
		p.result = settled[T]{val: val, err: err}
		close(p.done)
	})
}

// Done is closed once the result is available.
func (p *pending[T]) Done() <-chan struct{} { return p.done }

// Peek returns the result if it is available.
func (p *pending[T]) Peek() (settled[T], bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return settled[T]{}, false
	}
}
