// Package reaper implements the zombie reaper: it listens for SIGCHLD and
// non-blockingly harvests exited children of the daemon in a single
// process-wide reap loop instead of per-managed-process waiting, since the
// healer must never block waiting on the children it spawns.
package reaper

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/openeuler-mirror/process-healer/internal/metrics"
)

// Reaper harvests terminated child processes on SIGCHLD.
type Reaper struct {
	log *slog.Logger
}

// New builds a Reaper.
func New(log *slog.Logger) *Reaper {
	return &Reaper{log: log}
}

// Run installs a SIGCHLD handler and reaps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, unix.SIGCHLD)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			r.reapAll()
		}
	}
}

// reapAll repeatedly calls wait4 with WNOHANG until the OS reports no more
// terminated children.
func (r *Reaper) reapAll() {
	var status unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.ECHILD {
				return
			}
			r.log.Warn("wait4 failed while reaping", "error", err)
			return
		}
		if pid <= 0 {
			return
		}
		metrics.IncReaped()
		r.log.Info("reaped child", "pid", pid, "exit_status", status.ExitStatus(), "signaled", status.Signaled())
	}
}
