// Package healer implements the process healer: the sole subscriber of the
// coordinator's event bus, which consults the circuit breaker and spawns
// the configured restart command. Spawn logic (detached child, Setpgid,
// per-target stdio redirection) builds on os/exec.Cmd directly;
// privilege-dropping uses os/user lookups plus syscall.Credential,
// generalizing the original
// source's `users` crate lookup (there is no equivalent third-party Go
// library in the retrieval pack, so this one piece is stdlib — see
// DESIGN.md).
package healer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/openeuler-mirror/process-healer/internal/breaker"
	"github.com/openeuler-mirror/process-healer/internal/config"
	"github.com/openeuler-mirror/process-healer/internal/event"
	"github.com/openeuler-mirror/process-healer/internal/eventbus"
	"github.com/openeuler-mirror/process-healer/internal/history"
	"github.com/openeuler-mirror/process-healer/internal/logger"
	"github.com/openeuler-mirror/process-healer/internal/metrics"
)

// configLockTimeout bounds the healer's config snapshot read.
const configLockTimeout = 5 * time.Second

// LogDir is where per-target restart stdout/stderr sinks are created,
// falling back to os.TempDir on permission failure.
const LogDir = "/var/log/healer"

// Spawner performs the actual os/exec spawn; production code uses
// realSpawner, tests substitute a fake to assert on the built *exec.Cmd
// without touching the filesystem.
type Spawner interface {
	Spawn(cmd *exec.Cmd) error
}

type realSpawner struct{}

func (realSpawner) Spawn(cmd *exec.Cmd) error { return cmd.Start() }

// Healer is the process healer.
type Healer struct {
	sub     *eventbus.Subscription[event.ProcessEvent]
	breaker *breaker.Table
	store   *config.Store
	log     *slog.Logger
	spawner Spawner
	audit   history.Sink

	lastBreakerState map[string]breaker.State
}

// New builds a Healer subscribing to bus.
func New(bus *eventbus.Bus[event.ProcessEvent], breakerTable *breaker.Table, store *config.Store, log *slog.Logger) *Healer {
	return &Healer{
		sub:              bus.Subscribe(),
		breaker:          breakerTable,
		store:            store,
		log:              log,
		spawner:          realSpawner{},
		lastBreakerState: make(map[string]breaker.State),
	}
}

// SetAuditSink attaches an optional audit-trail sink; nil (the default)
// disables audit recording without changing any restart decision.
func (h *Healer) SetAuditSink(sink history.Sink) {
	h.audit = sink
}

func (h *Healer) record(kind history.EventType, name, detail string) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Send(context.Background(), history.Event{Type: kind, OccurredAt: time.Now(), Name: name, Detail: detail}); err != nil {
		h.log.Warn("failed to record audit event", "type", kind, "name", name, "error", err)
	}
}

// Run consumes events until ctx is cancelled or the bus closes.
func (h *Healer) Run(ctx context.Context) error {
	for {
		ev, err := h.sub.Recv()
		if err != nil {
			var lagged *eventbus.Lagged
			if errors.As(err, &lagged) {
				metrics.IncBusLagged("coordinator_to_healer")
				h.log.Warn("healer lagged behind coordinator bus", "missed", lagged.N)
				continue
			}
			return fmt.Errorf("healer: coordinator bus closed: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		switch ev.Kind {
		case event.ProcessDown, event.ProcessDisconnected:
			h.heal(ev.Name)
		default:
			// Pass-through variants carry no action for the healer itself.
		}
	}
}

func (h *Healer) heal(name string) {
	cfg, err := h.store.Snapshot(configLockTimeout)
	if err != nil {
		h.log.Warn("giving up on restart, could not read configuration in time", "name", name, "error", err)
		return
	}

	proc, ok := cfg.ProcessByName(name)
	if !ok {
		h.log.Warn("restart requested for process not in configuration", "name", name)
		return
	}

	if proc.Recovery.Kind != config.RecoveryRegular {
		h.log.Warn("recovery policy is not regular, denying restart", "name", name)
		return
	}

	policy := breaker.Policy{
		Retries:     proc.Recovery.Retries,
		RetryWindow: proc.Recovery.RetryWindow,
		Cooldown:    proc.Recovery.CooldownSeconds,
	}
	if !h.breaker.Allow(name, policy, time.Now()) {
		metrics.IncBreakerDenial(name)
		h.recordBreakerState(name)
		h.log.Warn("circuit breaker denied restart", "name", name)
		return
	}
	h.recordBreakerState(name)
	metrics.IncRestartAttempted(name)
	h.record(history.EventRestartAttempt, name, "")

	cmd, err := h.buildCommand(proc)
	if err != nil {
		metrics.IncRestartSpawnFailed(name)
		h.record(history.EventRestartFailed, name, err.Error())
		h.log.Error("failed to prepare restart command", "name", name, "error", err)
		return
	}

	if err := h.spawner.Spawn(cmd); err != nil {
		metrics.IncRestartSpawnFailed(name)
		h.record(history.EventRestartFailed, name, err.Error())
		h.log.Error("failed to spawn replacement process", "name", name, "error", err)
		return
	}
	metrics.IncRestartSpawned(name)
	h.record(history.EventRestartSpawned, name, fmt.Sprintf("pid=%d", cmd.Process.Pid))
	h.log.Info("restarted process", "name", name, "pid", cmd.Process.Pid)
}

func (h *Healer) recordBreakerState(name string) {
	state, ok := h.breaker.Snapshot(name)
	if !ok {
		return
	}
	var v float64
	switch state {
	case breaker.Open:
		v = 1
	case breaker.HalfOpen:
		v = 2
	}
	metrics.SetBreakerState(name, v)

	if prev, tracked := h.lastBreakerState[name]; tracked && prev != state {
		h.record(breakerTransitionEvent(prev, state), name, fmt.Sprintf("%s->%s", prev, state))
	}
	h.lastBreakerState[name] = state
}

// breakerTransitionEvent maps a breaker state change to the audit event
// type describing it. A half-open probe failing back to open and a fresh
// closed-to-open trip both map to EventBreakerOpened; only the record's
// "prev->next" detail tells them apart.
func breakerTransitionEvent(prev, next breaker.State) history.EventType {
	switch {
	case next == breaker.Open && prev == breaker.HalfOpen:
		return history.EventBreakerOpened
	case next == breaker.Open:
		return history.EventBreakerOpened
	case next == breaker.HalfOpen:
		return history.EventBreakerHalfOpen
	default:
		return history.EventBreakerClosed
	}
}

func (h *Healer) buildCommand(proc config.ProcessConfig) (*exec.Cmd, error) {
	cmd := exec.Command(proc.Command, proc.Args...)
	if proc.WorkingDir != "" {
		cmd.Dir = proc.WorkingDir
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, stderr, err := openSinks(proc.Name, h.log)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if !proc.RunAsRoot && proc.RunAsUser != "" {
		if cred, err := lookupCredential(proc.RunAsUser); err != nil {
			h.log.Warn("could not resolve run_as_user, process will run as root; this is a security risk", "name", proc.Name, "user", proc.RunAsUser, "error", err)
		} else {
			cmd.SysProcAttr.Credential = cred
		}
	}

	return cmd, nil
}

// openSinks builds the rotating log sinks for a restarted target's stdout
// and stderr, via the lumberjack-backed logger.Config, falling back to
// os.TempDir when the primary directory can't be used.
func openSinks(name string, log *slog.Logger) (io.WriteCloser, io.WriteCloser, error) {
	if err := os.MkdirAll(LogDir, 0o755); err == nil {
		out, errW, werr := (logger.Config{Dir: LogDir}).Writers(name + ".restarted")
		if werr == nil {
			return out, errW, nil
		}
	}
	log.Warn("could not use primary log directory for restart sinks, falling back to tmp", "name", name)
	out, errW, err := (logger.Config{Dir: os.TempDir()}).Writers("healer_" + name + ".restarted")
	if err != nil {
		return nil, nil, fmt.Errorf("create restart log sinks (primary and fallback failed): %w", err)
	}
	return out, errW, nil
}

func lookupCredential(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
