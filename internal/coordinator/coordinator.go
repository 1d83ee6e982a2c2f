// Package coordinator implements the dependency-aware defer/release
// decision logic between the monitors' event bus and the healer's event
// bus, grounded on original_source/healer/src/coordinator/dependency_coordinator.rs
// but restructured as a single owning goroutine (no Arc<Mutex<..>>): every
// mutation of recovering/deferred state happens on that goroutine, and a
// small mutex exists only so the admin API's read-only Targets snapshot can
// be taken from another goroutine without racing it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openeuler-mirror/process-healer/internal/config"
	"github.com/openeuler-mirror/process-healer/internal/event"
	"github.com/openeuler-mirror/process-healer/internal/eventbus"
	"github.com/openeuler-mirror/process-healer/internal/history"
	"github.com/openeuler-mirror/process-healer/internal/metrics"
)

// recoveringHold is RECOVERING_HOLD_SECS from the data model: a target is
// considered recovering for this long after any Down/Disconnected event.
const recoveringHold = 10 * time.Second

type depStatus int

const (
	depWaiting depStatus = iota
	depTimedOut
)

type perDepState struct {
	dep    config.DependencyEdge
	status depStatus
}

type deferredState struct {
	original        event.ProcessEvent
	deps            []perDepState
	firstDeferredAt time.Time
	attempts        int
	waitingOn       []string
}

// TargetStatus is the read-only diagnostic view exposed to the admin API.
type TargetStatus struct {
	Name             string
	MonitorKind      config.MonitorKind
	Deferred         bool
	WaitingOn        []string
	Recovering       bool
	RecoveringUntil  time.Time
	DeferredAttempts int
}

// Coordinator is the dependency coordinator: sole subscriber of the
// monitors' bus, sole publisher on the healer's bus.
type Coordinator struct {
	sub   *eventbus.Subscription[event.ProcessEvent]
	out   *eventbus.Bus[event.ProcessEvent]
	store *config.Store
	log   *slog.Logger

	mu         sync.Mutex
	recovering map[string]time.Time
	deferred   map[string]*deferredState

	retryCh chan string
	audit   history.Sink
}

// SetAuditSink attaches an optional audit-trail sink; nil (the default)
// disables audit recording without changing any decision logic.
func (c *Coordinator) SetAuditSink(sink history.Sink) {
	c.audit = sink
}

func (c *Coordinator) record(kind history.EventType, name, detail string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Send(context.Background(), history.Event{Type: kind, OccurredAt: time.Now(), Name: name, Detail: detail}); err != nil {
		c.log.Warn("failed to record audit event", "type", kind, "name", name, "error", err)
	}
}

// New builds a Coordinator reading from in and publishing to out.
func New(in *eventbus.Bus[event.ProcessEvent], out *eventbus.Bus[event.ProcessEvent], store *config.Store, log *slog.Logger) *Coordinator {
	return &Coordinator{
		sub:        in.Subscribe(),
		out:        out,
		store:      store,
		log:        log,
		recovering: make(map[string]time.Time),
		deferred:   make(map[string]*deferredState),
		retryCh:    make(chan string, 64),
	}
}

// Run processes monitor events and retry wake-ups until ctx is cancelled or
// the upstream bus closes. Upstream closure terminates the coordinator
// (returns an error); retry-channel closure never happens from outside
// this type, so it is not a runtime concern.
func (c *Coordinator) Run(ctx context.Context) error {
	eventsCh := make(chan event.ProcessEvent)
	pumpErr := make(chan error, 1)
	go c.pump(ctx, eventsCh, pumpErr)

	for {
		select {
		case <-ctx.Done():
			return nil
		case name := <-c.retryCh:
			c.handleRetry(name, time.Now())
		case ev, ok := <-eventsCh:
			if !ok {
				err := <-pumpErr
				return err
			}
			c.handleEvent(ev, time.Now())
		}
	}
}

func (c *Coordinator) pump(ctx context.Context, out chan<- event.ProcessEvent, errCh chan<- error) {
	defer close(out)
	for {
		ev, err := c.sub.Recv()
		if err != nil {
			var lagged *eventbus.Lagged
			if errors.As(err, &lagged) {
				metrics.IncBusLagged("monitor_to_coordinator")
				c.log.Warn("coordinator lagged behind monitor bus", "missed", lagged.N)
				continue
			}
			errCh <- fmt.Errorf("coordinator: monitor bus closed: %w", err)
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handleEvent(ev event.ProcessEvent, now time.Time) {
	switch ev.Kind {
	case event.ProcessDown, event.ProcessDisconnected:
		c.decideAndPublish(ev, now)
	default:
		// ProcessRestartSuccess/ProcessRestartFailed and any future
		// variants: forwarded unchanged as pass-through events.
		c.out.Publish(ev)
	}
}

func (c *Coordinator) decideAndPublish(ev event.ProcessEvent, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneRecoveringLocked(now)
	// Marking recovering happens before any dependency decision, so other
	// targets waiting on this one observe it immediately.
	c.recovering[ev.Name] = now.Add(recoveringHold)
	c.record(history.EventRecovering, ev.Name, "")

	if _, already := c.deferred[ev.Name]; already {
		c.log.Debug("dropping duplicate event for already-deferred target", "name", ev.Name)
		return
	}

	cfg := c.store.Get()
	proc, ok := cfg.ProcessByName(ev.Name)
	if !ok {
		c.log.Warn("event for process not present in configuration, publishing without dependency evaluation", "name", ev.Name)
		c.out.Publish(ev)
		return
	}

	blocking := make([]string, 0, len(proc.Dependencies))
	deps := make([]perDepState, 0, len(proc.Dependencies))
	for _, dep := range proc.Dependencies {
		if dep.Kind != config.DependencyRequires || !dep.Hard {
			continue
		}
		if _, known := cfg.ProcessByName(dep.Target); !known {
			c.log.Warn("dependency target not present in configuration, ignoring edge", "name", ev.Name, "target", dep.Target)
			continue
		}
		deps = append(deps, perDepState{dep: dep, status: depWaiting})
		if dep.Target != ev.Name && c.isRecoveringLocked(dep.Target, now) {
			blocking = append(blocking, dep.Target)
		}
	}

	if len(blocking) == 0 {
		c.out.Publish(ev)
		return
	}

	ds := &deferredState{
		original:        ev,
		deps:            deps,
		firstDeferredAt: now,
		attempts:        1,
		waitingOn:       blocking,
	}
	c.deferred[ev.Name] = ds
	metrics.SetDeferredTargets(len(c.deferred))
	c.log.Info("deferring restart, waiting on recovering dependencies", "name", ev.Name, "waiting_on", blocking)
	c.record(history.EventDeferred, ev.Name, fmt.Sprintf("waiting_on=%v", blocking))
	c.scheduleRetry(ev.Name, 5*time.Second)
}

func (c *Coordinator) handleRetry(name string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneRecoveringLocked(now)
	ds, ok := c.deferred[name]
	if !ok {
		return
	}

	cfg := c.store.Get()

	stillBlocking := make([]string, 0, len(ds.deps))
	for i := range ds.deps {
		pd := &ds.deps[i]
		if pd.status != depWaiting {
			continue
		}
		if _, known := cfg.ProcessByName(pd.dep.Target); !known {
			continue
		}
		if !c.isRecoveringLocked(pd.dep.Target, now) {
			continue
		}

		deadline := ds.firstDeferredAt.Add(pd.dep.MaxWait)
		if now.Before(deadline) {
			stillBlocking = append(stillBlocking, pd.dep.Target)
			continue
		}

		switch pd.dep.OnFailure {
		case config.OnFailureAbort:
			delete(c.deferred, name)
			metrics.SetDeferredTargets(len(c.deferred))
			c.log.Warn("dependency deadline exceeded, aborting deferred restart", "name", name, "dependency", pd.dep.Target)
			c.record(history.EventAborted, name, "dependency="+pd.dep.Target)
			return
		case config.OnFailureSkip, config.OnFailureDegrade:
			pd.status = depTimedOut
			c.log.Warn("dependency deadline exceeded, proceeding without it", "name", name, "dependency", pd.dep.Target, "on_failure", pd.dep.OnFailure)
		}
	}

	if len(stillBlocking) > 0 {
		ds.attempts++
		ds.waitingOn = stillBlocking
		backoff := nextBackoff(ds.attempts)
		c.log.Info("retrying deferred restart decision", "name", name, "waiting_on", stillBlocking, "next_retry_in", backoff)
		c.scheduleRetry(name, backoff)
		return
	}

	delete(c.deferred, name)
	metrics.SetDeferredTargets(len(c.deferred))
	c.record(history.EventReleased, name, "")
	c.out.Publish(ds.original)
}

func (c *Coordinator) scheduleRetry(name string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		c.retryCh <- name
	})
}

// nextBackoff returns the retry interval for the Nth scheduled retry
// (1-indexed, where 1 is the initial 5s defer-time schedule): 5s, 5s, 10s,
// 20s, then a 30s cap.
func nextBackoff(attempt int) time.Duration {
	switch {
	case attempt <= 2:
		return 5 * time.Second
	case attempt == 3:
		return 10 * time.Second
	case attempt == 4:
		return 20 * time.Second
	default:
		return 30 * time.Second
	}
}

func (c *Coordinator) isRecoveringLocked(name string, now time.Time) bool {
	until, ok := c.recovering[name]
	return ok && now.Before(until)
}

func (c *Coordinator) pruneRecoveringLocked(now time.Time) {
	for name, until := range c.recovering {
		if !now.Before(until) {
			delete(c.recovering, name)
		}
	}
}

// Targets returns a diagnostic snapshot of every configured target for the
// admin API, not only ones currently deferred or recovering. It takes the
// same mutex the processing loop uses, so a caller never observes a target
// simultaneously absent from and present in the deferred set.
func (c *Coordinator) Targets(now time.Time) []TargetStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := c.store.Get()
	out := make([]TargetStatus, 0, len(cfg.Processes))
	for _, proc := range cfg.Processes {
		ts := TargetStatus{Name: proc.Name, MonitorKind: proc.Monitor.Kind}
		if ds, ok := c.deferred[proc.Name]; ok {
			ts.Deferred = true
			ts.WaitingOn = ds.waitingOn
			ts.DeferredAttempts = ds.attempts
		}
		if until, ok := c.recovering[proc.Name]; ok && now.Before(until) {
			ts.Recovering = true
			ts.RecoveringUntil = until
		}
		out = append(out, ts)
	}
	return out
}
