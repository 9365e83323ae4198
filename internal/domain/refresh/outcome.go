package refresh

import "sync"

// AppResult is the result of refreshing a single app: either the refreshed
// app state or an error.
type AppResult struct {
	App ManagedApp
	Err error
}

// Succeeded reports whether the app was refreshed.
func (r AppResult) Succeeded() bool { return r.Err == nil }

// Results maps bundle identifiers to per-app results while remembering the
// order results were recorded in. "First failure" always means first in that
// order. Safe for concurrent use.
type Results struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]AppResult
}

// NewResults returns an empty result set.
func NewResults() *Results {
	return &Results{byID: make(map[string]AppResult)}
}

// Set records the result for bundleID, replacing any earlier result without
// changing its position.
func (r *Results) Set(bundleID string, res AppResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[bundleID]; !ok {
		r.order = append(r.order, bundleID)
	}
	r.byID[bundleID] = res
}

// Get returns the result recorded for bundleID.
func (r *Results) Get(bundleID string) (AppResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.byID[bundleID]
	return res, ok
}

// Len returns the number of recorded results.
func (r *Results) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// IDs returns the bundle identifiers in recording order.
func (r *Results) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// FirstFailure returns the bundle identifier and error of the first recorded
// failure. The error is nil when every result succeeded.
func (r *Results) FirstFailure() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if err := r.byID[id].Err; err != nil {
			return id, err
		}
	}
	return "", nil
}

// Clone returns an independent copy.
func (r *Results) Clone() *Results {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Results{
		order: append([]string(nil), r.order...),
		byID:  make(map[string]AppResult, len(r.byID)),
	}
	for k, v := range r.byID {
		c.byID[k] = v
	}
	return c
}

// Outcome is the result of a refresh attempt: per-app results, or a
// session-level error that supersedes them. The two are mutually exclusive.
type Outcome struct {
	Results *Results
	Err     error
}

// Succeeded wraps per-app results in an Outcome. A nil set is treated as empty.
func Succeeded(results *Results) Outcome {
	if results == nil {
		results = NewResults()
	}
	return Outcome{Results: results}
}

// Failed returns a session-level failure outcome.
func Failed(err error) Outcome { return Outcome{Err: err} }

// Error returns the session-level error, or the first per-app failure.
func (o Outcome) Error() error {
	if o.Err != nil {
		return o.Err
	}
	if o.Results == nil {
		return nil
	}
	_, err := o.Results.FirstFailure()
	return err
}
