package refresh

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApps(ids ...string) []ManagedApp {
	apps := make([]ManagedApp, 0, len(ids))
	for _, id := range ids {
		apps = append(apps, ManagedApp{BundleID: id, Name: id})
	}
	return apps
}

func TestSessionFreezeExcludesAlive(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		acks []string
		want []string
	}{
		{name: "no acknowledgments", acks: nil, want: []string{"a", "b", "c"}},
		{name: "in order", acks: []string{"b", "c"}, want: []string{"a"}},
		{name: "reordered", acks: []string{"c", "b"}, want: []string{"a"}},
		{name: "duplicates", acks: []string{"c", "c", "b", "c"}, want: []string{"a"}},
		{name: "unknown app ignored", acks: []string{"z", "b"}, want: []string{"a", "c"}},
		{name: "all alive", acks: []string{"a", "b", "c"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession("session", testApps("a", "b", "c"), false, now)
			for _, id := range tt.acks {
				s.MarkAlive(id, now)
			}
			assert.Equal(t, tt.want, BundleIDs(s.Freeze()))
		})
	}
}

func TestSessionIgnoresAcksAfterFreeze(t *testing.T) {
	now := time.Now()
	s := NewSession("session", testApps("a", "b"), false, now)

	assert.True(t, s.MarkAlive("a", now))
	targets := s.Freeze()
	assert.False(t, s.MarkAlive("b", now), "late acknowledgment must be dropped")

	assert.Equal(t, []string{"b"}, BundleIDs(targets))
	assert.Equal(t, []string{"a"}, s.Alive())
	assert.Len(t, s.Acknowledgments(), 1)
}

func TestSessionCompleteIsTerminal(t *testing.T) {
	s := NewSession("session", nil, true, time.Now())
	assert.Equal(t, StateIdle, s.State())

	_, ok := s.Outcome()
	assert.False(t, ok)

	s.Complete(Failed(ErrBudgetDenied))
	assert.Equal(t, StateTerminal, s.State())

	o, ok := s.Outcome()
	require.True(t, ok)
	assert.ErrorIs(t, o.Error(), ErrBudgetDenied)
}

func TestResultsKeepRecordingOrder(t *testing.T) {
	r := NewResults()
	errB := errors.New("b failed")
	errC := errors.New("c failed")

	r.Set("a", AppResult{})
	r.Set("b", AppResult{Err: errB})
	r.Set("c", AppResult{Err: errC})
	r.Set("a", AppResult{Err: errors.New("replaced")})

	assert.Equal(t, []string{"a", "b", "c"}, r.IDs())

	id, err := r.FirstFailure()
	assert.Equal(t, "a", id)
	assert.EqualError(t, err, "replaced")

	clone := r.Clone()
	r.Set("d", AppResult{})
	assert.Equal(t, 3, clone.Len())
	assert.Equal(t, 4, r.Len())
}

func TestOutcomeError(t *testing.T) {
	assert.NoError(t, Succeeded(nil).Error())
	assert.ErrorIs(t, Failed(ErrServerNotFound).Error(), ErrServerNotFound)

	results := NewResults()
	results.Set("a", AppResult{Err: ErrMediaResourceConflict})
	assert.ErrorIs(t, Succeeded(results).Error(), ErrMediaResourceConflict)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "probing_and_discovering", StateProbingAndDiscovering.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.Equal(t, "new_data", FetchNewData.String())
}
