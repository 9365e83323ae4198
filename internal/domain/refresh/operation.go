package refresh

import "sync"

// Operation is the handle for one bulk refresh. Producers call
// NotifyBeginInstall right before each app's installation starts, Record
// for each per-app result, optionally Fail for a session-level error, and
// Finish exactly once. Consumers select on BeginInstall and Done.
type Operation struct {
	beginInstall chan ManagedApp
	done         chan struct{}
	finishOnce   sync.Once

	mu      sync.RWMutex
	results *Results
	err     error
}

// NewOperation creates an operation expecting up to n begin-install events.
func NewOperation(n int) *Operation {
	return &Operation{
		beginInstall: make(chan ManagedApp, n),
		done:         make(chan struct{}),
		results:      NewResults(),
	}
}

// BeginInstall delivers each app right before its installation starts.
func (op *Operation) BeginInstall() <-chan ManagedApp { return op.beginInstall }

// Done is closed once the operation has finished.
func (op *Operation) Done() <-chan struct{} { return op.done }

// NotifyBeginInstall publishes a begin-install event. It never blocks; events
// beyond the expected count are dropped.
func (op *Operation) NotifyBeginInstall(app ManagedApp) {
	select {
	case op.beginInstall <- app:
	default:
	}
}

// Record stores the result for one app.
func (op *Operation) Record(bundleID string, res AppResult) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.results.Set(bundleID, res)
}

// Fail records a session-level error that supersedes per-app results.
func (op *Operation) Fail(err error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.err == nil {
		op.err = err
	}
}

// Finish marks the operation complete. Extra calls are no-ops.
func (op *Operation) Finish() {
	op.finishOnce.Do(func() { close(op.done) })
}

// Err returns the session-level error recorded so far.
func (op *Operation) Err() error {
	op.mu.RLock()
	defer op.mu.RUnlock()
	return op.err
}

// Results returns a snapshot of the per-app results recorded so far.
func (op *Operation) Results() *Results {
	op.mu.RLock()
	defer op.mu.RUnlock()
	return op.results.Clone()
}

// Outcome returns the operation's outcome as known right now.
func (op *Operation) Outcome() Outcome {
	if err := op.Err(); err != nil {
		return Failed(err)
	}
	return Succeeded(op.Results())
}
