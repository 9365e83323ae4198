package notify

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
)

func results(pairs ...any) *refresh.Results {
	r := refresh.NewResults()
	for i := 0; i < len(pairs); i += 2 {
		id := pairs[i].(string)
		var err error
		if pairs[i+1] != nil {
			err = pairs[i+1].(error)
		}
		r.Set(id, refresh.AppResult{App: refresh.ManagedApp{BundleID: id}, Err: err})
	}
	return r
}

func TestClassify(t *testing.T) {
	installFailed := errors.New("signing failed")
	conflict := fmt.Errorf("install com.example.a: %w", refresh.ErrMediaResourceConflict)

	tests := []struct {
		name      string
		outcome   refresh.Outcome
		isLaunch  bool
		wantShown bool
		wantTitle string
		wantBody  string
		wantKind  Kind
	}{
		{
			name:      "all succeeded",
			outcome:   refresh.Succeeded(results("a", nil, "b", nil)),
			wantShown: true,
			wantTitle: "Refreshed Apps",
			wantBody:  "All apps have been refreshed.",
			wantKind:  KindInfo,
		},
		{
			name:      "empty result set",
			outcome:   refresh.Succeeded(nil),
			wantShown: true,
			wantTitle: "Refreshed Apps",
			wantBody:  "All apps have been refreshed.",
			wantKind:  KindInfo,
		},
		{
			name:      "first failure is reported",
			outcome:   refresh.Succeeded(results("a", nil, "b", installFailed, "c", errors.New("later"))),
			wantShown: true,
			wantTitle: "Failed to Refresh Apps",
			wantBody:  "signing failed",
			wantKind:  KindError,
		},
		{
			name:      "session failure",
			outcome:   refresh.Failed(refresh.ErrBudgetDenied),
			wantShown: true,
			wantTitle: "Failed to Refresh Apps",
			wantBody:  refresh.ErrBudgetDenied.Error(),
			wantKind:  KindError,
		},
		{
			name:    "server not found is suppressed",
			outcome: refresh.Succeeded(results("a", refresh.ErrServerNotFound)),
		},
		{
			name:    "session level server not found is suppressed",
			outcome: refresh.Failed(refresh.ErrServerNotFound),
		},
		{
			name:     "media conflict at launch is suppressed",
			outcome:  refresh.Succeeded(results("a", conflict)),
			isLaunch: true,
		},
		{
			name:      "media conflict in background is shown",
			outcome:   refresh.Succeeded(results("a", conflict)),
			isLaunch:  false,
			wantShown: true,
			wantTitle: "Failed to Refresh Apps",
			wantBody:  conflict.Error(),
			wantKind:  KindError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, shown := Classify(tt.outcome, tt.isLaunch)
			assert.Equal(t, tt.wantShown, shown)
			if !tt.wantShown {
				return
			}
			assert.Equal(t, tt.wantTitle, content.Title)
			assert.Equal(t, tt.wantBody, content.Body)
			assert.Equal(t, tt.wantKind, content.Kind)
		})
	}
}

func TestUpdateContent(t *testing.T) {
	c := UpdateContent(refresh.AppUpdate{BundleID: "com.example.delta", Name: "Delta", Version: "1.4"})
	assert.Equal(t, "New Update Available", c.Title)
	assert.Equal(t, "Delta 1.4 is now available for download.", c.Body)
	assert.Equal(t, KindUpdate, c.Kind)
}
