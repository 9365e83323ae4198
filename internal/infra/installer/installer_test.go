package installer_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/internal/infra/installer"
	"github.com/massimiliano76/AltStore/internal/infra/storage/memory"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
	"github.com/massimiliano76/AltStore/pkg/common/timeutil"
)

type mockDiscoverer struct {
	mock.Mock
}

func (m *mockDiscoverer) StartDiscovering(ctx context.Context) { m.Called(ctx) }
func (m *mockDiscoverer) StopDiscovering()                     { m.Called() }
func (m *mockDiscoverer) DiscoveredServers() []refresh.Server {
	args := m.Called()
	return args.Get(0).([]refresh.Server)
}

type helperServer struct {
	mu        sync.Mutex
	installed []string
	failures  map[string]int
	codes     map[string]string
	attempts  map[string]int
}

func (h *helperServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BundleID string `json:"bundleIdentifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts[req.BundleID]++

	if code, ok := h.codes[req.BundleID]; ok {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": "rejected " + req.BundleID})
		return
	}
	if h.failures[req.BundleID] > 0 {
		h.failures[req.BundleID]--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	h.installed = append(h.installed, req.BundleID)
	w.WriteHeader(http.StatusOK)
}

func newHelper() *helperServer {
	return &helperServer{failures: map[string]int{}, codes: map[string]string{}, attempts: map[string]int{}}
}

func setup(t *testing.T, h *helperServer, servers bool) (*installer.Installer, *memory.Repository, *mockDiscoverer) {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	disc := new(mockDiscoverer)
	if servers {
		disc.On("DiscoveredServers").Return([]refresh.Server{{ID: "desk", Address: srv.Listener.Addr().String()}})
	} else {
		disc.On("DiscoveredServers").Return([]refresh.Server{})
	}

	repo := memory.NewRepository(
		refresh.InstalledApp{BundleID: "com.rileytestut.AltStore", BackgroundRefresh: true},
		refresh.InstalledApp{BundleID: "a", BackgroundRefresh: true},
		refresh.InstalledApp{BundleID: "b", BackgroundRefresh: true},
	)
	cfg := installer.Config{
		SelfAppID:     "com.rileytestut.AltStore",
		Timeout:       5 * time.Second,
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
	}
	clock := timeutil.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	inst := installer.NewInstaller(cfg, srv.Client(), disc, repo, logger.Noop(),
		noop.NewTracerProvider().Tracer("test"), installer.WithClock(clock))
	return inst, repo, disc
}

func apps(ids ...string) []refresh.ManagedApp {
	out := make([]refresh.ManagedApp, 0, len(ids))
	for _, id := range ids {
		out = append(out, refresh.ManagedApp{BundleID: id})
	}
	return out
}

func wait(t *testing.T, op *refresh.Operation) {
	t.Helper()
	select {
	case <-op.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("operation did not finish")
	}
}

func TestInstallerRefreshesSelfLast(t *testing.T) {
	t.Parallel()

	h := newHelper()
	inst, repo, disc := setup(t, h, true)

	op := inst.Refresh(context.Background(), apps("com.rileytestut.AltStore", "a", "b"))
	wait(t, op)

	require.NoError(t, op.Err())
	assert.Equal(t, []string{"a", "b", "com.rileytestut.AltStore"}, h.installed)
	assert.Equal(t, []string{"a", "b", "com.rileytestut.AltStore"}, op.Results().IDs())

	var begun []string
	for len(op.BeginInstall()) > 0 {
		begun = append(begun, (<-op.BeginInstall()).BundleID)
	}
	assert.Equal(t, []string{"a", "b", "com.rileytestut.AltStore"}, begun)

	at, ok := repo.LastRefreshed("a")
	assert.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), at)
	disc.AssertExpectations(t)
}

func TestInstallerRetriesServerErrors(t *testing.T) {
	t.Parallel()

	h := newHelper()
	h.failures["a"] = 2
	inst, _, _ := setup(t, h, true)

	op := inst.Refresh(context.Background(), apps("a"))
	wait(t, op)

	res, ok := op.Results().Get("a")
	require.True(t, ok)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 3, h.attempts["a"])
}

func TestInstallerRecordsPerAppFailures(t *testing.T) {
	t.Parallel()

	h := newHelper()
	h.codes["a"] = "media_resource_conflict"
	h.codes["b"] = "signing_failed"
	inst, repo, _ := setup(t, h, true)

	op := inst.Refresh(context.Background(), apps("a", "b"))
	wait(t, op)

	require.NoError(t, op.Err())
	resA, _ := op.Results().Get("a")
	assert.True(t, errors.Is(resA.Err, refresh.ErrMediaResourceConflict))
	resB, _ := op.Results().Get("b")
	assert.EqualError(t, resB.Err, "rejected b")
	assert.Equal(t, 1, h.attempts["b"])

	_, ok := repo.LastRefreshed("a")
	assert.False(t, ok)
}

func TestInstallerWithoutServerFails(t *testing.T) {
	t.Parallel()

	h := newHelper()
	inst, _, _ := setup(t, h, false)

	op := inst.Refresh(context.Background(), apps("a", "b"))
	wait(t, op)

	assert.ErrorIs(t, op.Err(), refresh.ErrServerNotFound)
	assert.Zero(t, op.Results().Len())
	assert.Empty(t, h.installed)
}

func TestInstallerCanceledContext(t *testing.T) {
	t.Parallel()

	h := newHelper()
	inst, _, _ := setup(t, h, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	op := inst.Refresh(ctx, apps("a"))
	wait(t, op)

	assert.ErrorIs(t, op.Err(), context.Canceled)
	assert.Empty(t, h.installed)
}
