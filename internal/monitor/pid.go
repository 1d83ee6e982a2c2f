// Package monitor implements the three ProcessEvent producers: pid,
// network, and exit-tracepoint monitors, combining signal-0 liveness
// probing with a kernel exit tracepoint demux for the eBPF-backed kind.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/openeuler-mirror/process-healer/internal/detector"
	"github.com/openeuler-mirror/process-healer/internal/event"
	"github.com/openeuler-mirror/process-healer/internal/eventbus"
)

// Pid polls a PID file on an interval and probes liveness with signal-0.
type Pid struct {
	Name     string
	PIDFile  string
	Interval time.Duration
	Out      *eventbus.Bus[event.ProcessEvent]
	Log      *slog.Logger
}

// Run ticks until ctx is cancelled.
func (m *Pid) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Pid) tick() {
	pid, err := detector.ReadPIDFile(m.PIDFile)
	if err != nil {
		m.Log.Warn("pid monitor: could not read pid file, treating as transient", "name", m.Name, "path", m.PIDFile, "error", err)
		return
	}
	alive, err := detector.Alive(pid)
	if err != nil {
		m.Log.Warn("pid monitor: liveness probe error", "name", m.Name, "pid", pid, "error", err)
		return
	}
	if !alive {
		m.Out.Publish(event.Down(m.Name, pid, time.Now()))
	}
}
