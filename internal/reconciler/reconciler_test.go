package reconciler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openeuler-mirror/process-healer/internal/config"
	"github.com/openeuler-mirror/process-healer/internal/event"
	"github.com/openeuler-mirror/process-healer/internal/eventbus"
)

type fakeTracepoint struct {
	mu      sync.Mutex
	watched map[string]string
}

func newFakeTracepoint() *fakeTracepoint {
	return &fakeTracepoint{watched: make(map[string]string)}
}

func (f *fakeTracepoint) Watch(_ context.Context, basename, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched[basename] = name
	return nil
}

func (f *fakeTracepoint) Unwatch(_ context.Context, basename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watched, basename)
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestReconcileWatchesAndUnwatchesTracepointTargets(t *testing.T) {
	out := eventbus.New[event.ProcessEvent]()
	tp := newFakeTracepoint()
	r := New(out, testLogger(), tp, context.Background())

	snapshot := []config.ProcessConfig{
		{Name: "svc", Enabled: true, Command: "/usr/bin/svcd", Monitor: config.MonitorSpec{Kind: config.MonitorExitTracepoint}},
	}
	require.NoError(t, r.Reconcile(context.Background(), snapshot))
	require.Equal(t, map[string]string{"svcd": "svc"}, tp.watched)

	require.NoError(t, r.Reconcile(context.Background(), nil))
	require.Empty(t, tp.watched)
}

func TestReconcileIsIdempotent(t *testing.T) {
	out := eventbus.New[event.ProcessEvent]()
	tp := newFakeTracepoint()
	r := New(out, testLogger(), tp, context.Background())

	snapshot := []config.ProcessConfig{
		{Name: "svc", Enabled: true, Command: "/usr/bin/svcd", Monitor: config.MonitorSpec{Kind: config.MonitorExitTracepoint}},
	}
	require.NoError(t, r.Reconcile(context.Background(), snapshot))
	before := len(tp.watched)
	require.NoError(t, r.Reconcile(context.Background(), snapshot))
	require.Equal(t, before, len(tp.watched))
}

func TestReconcileStartsAndStopsPidMonitor(t *testing.T) {
	out := eventbus.New[event.ProcessEvent]()
	r := New(out, testLogger(), nil, context.Background())

	snapshot := []config.ProcessConfig{
		{Name: "svc", Enabled: true, Command: "/bin/svc", Monitor: config.MonitorSpec{Kind: config.MonitorPid, PIDFilePath: "/tmp/nope.pid", Interval: 50 * time.Millisecond}},
	}
	ctx := context.Background()
	require.NoError(t, r.Reconcile(ctx, snapshot))
	require.Len(t, r.running, 1)

	require.NoError(t, r.Reconcile(ctx, nil))
	require.Len(t, r.running, 0)
}

func TestEnsureTracepointUsableFailsWithoutLoadedMonitor(t *testing.T) {
	out := eventbus.New[event.ProcessEvent]()
	r := New(out, testLogger(), nil, context.Background())

	snapshot := []config.ProcessConfig{
		{Name: "svc", Enabled: true, Command: "/bin/svc", Monitor: config.MonitorSpec{Kind: config.MonitorExitTracepoint}},
	}
	require.Error(t, r.EnsureTracepointUsable(snapshot))
}
