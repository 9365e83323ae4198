package refresh

import (
	"sync"
	"time"
)

// State is a step of the refresh session state machine.
type State int

const (
	StateIdle State = iota
	StateBudgetRequested
	StateProbingAndDiscovering
	StateRefreshing
	StateFinalizing
	StateTerminal
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBudgetRequested:
		return "budget_requested"
	case StateProbingAndDiscovering:
		return "probing_and_discovering"
	case StateRefreshing:
		return "refreshing"
	case StateFinalizing:
		return "finalizing"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// FetchResult is what the session reports back to whoever granted the
// background fetch opportunity.
type FetchResult int

const (
	FetchNoData FetchResult = iota
	FetchNewData
	FetchFailed
)

// String returns the string representation of the fetch result.
func (r FetchResult) String() string {
	switch r {
	case FetchNoData:
		return "no_data"
	case FetchNewData:
		return "new_data"
	case FetchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProbeAcknowledgment is one received "is running" reply.
type ProbeAcknowledgment struct {
	AppID      string
	ReceivedAt time.Time
}

// Session is the unit of work for one background-fetch invocation.
// Candidates are frozen at creation; the alive set grows only until Freeze.
type Session struct {
	ID         string
	Candidates []ManagedApp
	IsLaunch   bool
	StartedAt  time.Time

	mu          sync.Mutex
	state       State
	frozen      bool
	alive       map[string]struct{}
	acks        []ProbeAcknowledgment
	fetchResult FetchResult
	outcome     *Outcome
}

// NewSession creates a session in StateIdle.
func NewSession(id string, candidates []ManagedApp, isLaunch bool, startedAt time.Time) *Session {
	return &Session{
		ID:         id,
		Candidates: append([]ManagedApp(nil), candidates...),
		IsLaunch:   isLaunch,
		StartedAt:  startedAt,
		alive:      make(map[string]struct{}),
	}
}

// MarkAlive folds an acknowledgment into the alive set. Duplicates are
// harmless. Acknowledgments for non-candidates or arriving after Freeze are
// ignored; the return value reports whether the ack was accepted.
func (s *Session) MarkAlive(appID string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen || !s.isCandidate(appID) {
		return false
	}
	s.acks = append(s.acks, ProbeAcknowledgment{AppID: appID, ReceivedAt: at})
	s.alive[appID] = struct{}{}
	return true
}

func (s *Session) isCandidate(appID string) bool {
	for _, c := range s.Candidates {
		if c.BundleID == appID {
			return true
		}
	}
	return false
}

// Freeze stops the alive set from growing and returns the refresh target
// set: candidates minus those observed alive, in candidate order.
func (s *Session) Freeze() []ManagedApp {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frozen = true
	targets := make([]ManagedApp, 0, len(s.Candidates))
	for _, c := range s.Candidates {
		if _, ok := s.alive[c.BundleID]; ok {
			continue
		}
		targets = append(targets, c)
	}
	return targets
}

// Alive returns the identifiers observed alive so far.
func (s *Session) Alive() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.alive))
	for _, c := range s.Candidates {
		if _, ok := s.alive[c.BundleID]; ok {
			ids = append(ids, c.BundleID)
		}
	}
	return ids
}

// Acknowledgments returns every accepted acknowledgment in arrival order.
func (s *Session) Acknowledgments() []ProbeAcknowledgment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProbeAcknowledgment(nil), s.acks...)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next.
func (s *Session) Transition(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
}

// SetFetchResult records the fetch result reported to the caller.
func (s *Session) SetFetchResult(r FetchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchResult = r
}

// FetchResult returns the recorded fetch result.
func (s *Session) FetchResult() FetchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchResult
}

// Complete records the terminal outcome and moves to StateTerminal.
func (s *Session) Complete(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = &o
	s.state = StateTerminal
}

// Outcome returns the terminal outcome, if the session has one.
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return Outcome{}, false
	}
	return *s.outcome, true
}
