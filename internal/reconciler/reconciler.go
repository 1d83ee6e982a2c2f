// Package reconciler owns the set of live pid/network monitors and the
// exit-tracepoint kernel watch-list, converging both to match the
// currently-loaded configuration, grounded on
// original_source/healer/src/monitor_manager.rs's MonitorManager.reconcile.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openeuler-mirror/process-healer/internal/config"
	"github.com/openeuler-mirror/process-healer/internal/event"
	"github.com/openeuler-mirror/process-healer/internal/eventbus"
	"github.com/openeuler-mirror/process-healer/internal/monitor"
)

const (
	stopDrain = 100 * time.Millisecond
	shutdownDrain = 2 * time.Second
)

type runningMonitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// tracepointWatcher is the subset of *monitor.ExitTracepoint the reconciler
// needs; an interface so tests can substitute a fake instead of loading a
// real BPF object.
type tracepointWatcher interface {
	Watch(ctx context.Context, basename, logicalName string) error
	Unwatch(ctx context.Context, basename string) error
}

// Reconciler converges live monitors and the kernel watch-list to a
// configuration snapshot.
type Reconciler struct {
	out   *eventbus.Bus[event.ProcessEvent]
	log   *slog.Logger
	tp    tracepointWatcher // nil if no exit-tracepoint target is ever configured
	tpCtx context.Context

	watched map[string]string // truncated basename -> logical name (reconciler mirror)
	running map[string]runningMonitor
}

// New builds a Reconciler. tp and tpCtx may be nil/background if no target
// uses the ebpf monitor kind; Reconcile then logs an error for such targets
// and leaves them unwatched (EnsureTracepointUsable is what rejects them).
func New(out *eventbus.Bus[event.ProcessEvent], log *slog.Logger, tp tracepointWatcher, tpCtx context.Context) *Reconciler {
	return &Reconciler{
		out:     out,
		log:     log,
		tp:      tp,
		tpCtx:   tpCtx,
		watched: make(map[string]string),
		running: make(map[string]runningMonitor),
	}
}

// Reconcile converges to snapshot, in order: exit-tracepoint
// watch-list first, then other monitors.
func (r *Reconciler) Reconcile(ctx context.Context, snapshot []config.ProcessConfig) error {
	var ebpfTargets, otherTargets []config.ProcessConfig
	for _, p := range snapshot {
		if !p.Enabled {
			continue
		}
		if p.Monitor.Kind == config.MonitorExitTracepoint {
			ebpfTargets = append(ebpfTargets, p)
		} else {
			otherTargets = append(otherTargets, p)
		}
	}

	r.reconcileTracepoint(ebpfTargets)
	r.reconcileOthers(ctx, otherTargets)
	return nil
}

func (r *Reconciler) reconcileTracepoint(targets []config.ProcessConfig) {
	if len(targets) == 0 && len(r.watched) == 0 {
		return
	}
	if r.tp == nil {
		if len(targets) > 0 {
			r.log.Error("exit-tracepoint targets configured but no tracepoint monitor loaded")
		}
		return
	}

	desired := make(map[string]string, len(targets)) // truncated basename -> name
	for _, p := range targets {
		basename := monitor.ExecutableBasename(p.Command)
		desired[monitor.TruncateName(basename)] = p.Name
	}

	for basename := range r.watched {
		if _, keep := desired[basename]; !keep {
			if err := r.tp.Unwatch(r.tpCtx, basename); err != nil {
				r.log.Warn("unwatch failed, will retry next reconcile", "basename", basename, "error", err)
				continue
			}
			delete(r.watched, basename)
		}
	}

	for basename, name := range desired {
		if _, have := r.watched[basename]; have {
			continue
		}
		if err := r.tp.Watch(r.tpCtx, basename, name); err != nil {
			r.log.Warn("watch failed, will retry next reconcile", "basename", basename, "name", name, "error", err)
			continue
		}
		r.watched[basename] = name
	}
}

func (r *Reconciler) reconcileOthers(ctx context.Context, targets []config.ProcessConfig) {
	desired := make(map[string]config.ProcessConfig, len(targets))
	for _, p := range targets {
		desired[p.Name] = p
	}

	for name, rm := range r.running {
		if _, keep := desired[name]; !keep {
			r.stop(name, rm)
		}
	}

	for name, p := range desired {
		if _, ok := r.running[name]; ok {
			continue
		}
		r.start(ctx, p)
	}
}

func (r *Reconciler) start(ctx context.Context, p config.ProcessConfig) {
	mctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	var m interface{ Run(context.Context) error }
	switch p.Monitor.Kind {
	case config.MonitorPid:
		m = &monitor.Pid{Name: p.Name, PIDFile: p.Monitor.PIDFilePath, Interval: p.Monitor.Interval, Out: r.out, Log: r.log}
	case config.MonitorNetwork:
		m = &monitor.Network{Name: p.Name, TargetURL: p.Monitor.TargetURL, Interval: p.Monitor.Interval, Out: r.out, Log: r.log}
	default:
		cancel()
		r.log.Error("unsupported monitor kind in reconcileOthers", "name", p.Name, "kind", p.Monitor.Kind)
		return
	}

	go func() {
		defer close(done)
		if err := m.Run(mctx); err != nil {
			r.log.Error("monitor exited with error", "name", p.Name, "error", err)
		}
	}()

	r.running[p.Name] = runningMonitor{cancel: cancel, done: done}
}

func (r *Reconciler) stop(name string, rm runningMonitor) {
	rm.cancel()
	select {
	case <-rm.done:
	case <-time.After(stopDrain):
		r.log.Warn("monitor did not stop within drain window", "name", name)
	}
	delete(r.running, name)
}

// Shutdown stops every non-kernel monitor with a longer drain. It does not
// stop the exit-tracepoint monitor.
func (r *Reconciler) Shutdown() {
	for name, rm := range r.running {
		rm.cancel()
		select {
		case <-rm.done:
		case <-time.After(shutdownDrain):
			r.log.Warn("monitor did not stop within shutdown drain window", "name", name)
		}
		delete(r.running, name)
	}
	// The exit-tracepoint monitor's own Run loop is cancelled by its ctx,
	// owned by the daemon's top-level lifecycle (see cmd/healerd).
}

// EnsureTracepointUsable returns an error if any enabled target requests
// the exit-tracepoint monitor while none was loaded at startup. Called
// before the first reconcile and again before each reload is applied.
func (r *Reconciler) EnsureTracepointUsable(snapshot []config.ProcessConfig) error {
	for _, p := range snapshot {
		if p.Enabled && p.Monitor.Kind == config.MonitorExitTracepoint && r.tp == nil {
			return fmt.Errorf("process %q requires the exit-tracepoint monitor but it failed to load at startup", p.Name)
		}
	}
	return nil
}
