package coordinator

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
	"github.com/openeuler-mirror/process-healer/internal/history"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func twoTargetConfig(onFailure config.OnFailure, maxWait time.Duration) *config.Config {
	return &config.Config{
		Processes: []config.ProcessConfig{
			{
				Name: "a",
				Dependencies: []config.DependencyEdge{
					{Target: "b", Kind: config.DependencyRequires, Hard: true, MaxWait: maxWait, OnFailure: onFailure},
				},
			},
			{Name: "b"},
		},
	}
}

func TestDeferThenSkipReleases(t *testing.T) {
	in := eventbus.New[event.ProcessEvent]()
	out := eventbus.New[event.ProcessEvent]()
	store := config.NewStore(twoTargetConfig(config.OnFailureSkip, 10*time.Millisecond))
	c := New(in, out, store, testLogger())

	outSub := out.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	in.Publish(event.Down("b", 1, time.Now()))
	// "b" has no dependencies of its own and is forwarded straight through.
	select {
	case ev := <-recvAsync(outSub):
		require.Equal(t, "b", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("expected b to be forwarded immediately")
	}
	in.Publish(event.Down("a", 2, time.Now()))

	// "a" should not be forwarded immediately: it is waiting on "b".
	released := recvAsync(outSub)
	select {
	case ev := <-released:
		t.Fatalf("did not expect immediate forward, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	targets := c.Targets(time.Now())
	found := false
	for _, ts := range targets {
		if ts.Name == "a" && ts.Deferred {
			found = true
		}
	}
	require.True(t, found, "expected a to be deferred")

	// The first retry fires 5s after the defer; b is still recovering but
	// the 10ms deadline has passed, so Skip releases "a".
	select {
	case ev := <-released:
		require.Equal(t, "a", ev.Name)
	case <-time.After(7 * time.Second):
		t.Fatal("expected a to be released at the first retry")
	}
}

func TestAbortNeverReleases(t *testing.T) {
	in := eventbus.New[event.ProcessEvent]()
	out := eventbus.New[event.ProcessEvent]()
	store := config.NewStore(twoTargetConfig(config.OnFailureAbort, 10*time.Millisecond))
	c := New(in, out, store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	in.Publish(event.Down("b", 1, time.Now()))
	time.Sleep(5 * time.Millisecond)
	in.Publish(event.Down("a", 2, time.Now()))

	// Give the first retry, scheduled 5s after the defer, time to fire past
	// the 10ms deadline.
	time.Sleep(6 * time.Second)

	targets := c.Targets(time.Now())
	for _, ts := range targets {
		require.False(t, ts.Name == "a" && ts.Deferred, "a should have been aborted, not left deferred")
	}
}

func TestDuplicateDownWhileDeferredIsDropped(t *testing.T) {
	in := eventbus.New[event.ProcessEvent]()
	out := eventbus.New[event.ProcessEvent]()
	store := config.NewStore(twoTargetConfig(config.OnFailureSkip, time.Hour))
	c := New(in, out, store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	in.Publish(event.Down("b", 1, time.Now()))
	time.Sleep(5 * time.Millisecond)
	in.Publish(event.Down("a", 2, time.Now()))
	time.Sleep(20 * time.Millisecond)

	before := c.Targets(time.Now())
	var firstDeferredAttempts int
	for _, ts := range before {
		if ts.Name == "a" {
			firstDeferredAttempts = ts.DeferredAttempts
		}
	}

	in.Publish(event.Down("a", 2, time.Now()))
	time.Sleep(20 * time.Millisecond)

	after := c.Targets(time.Now())
	for _, ts := range after {
		if ts.Name == "a" {
			require.Equal(t, firstDeferredAttempts, ts.DeferredAttempts)
		}
	}
}

type fakeSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (f *fakeSink) Send(_ context.Context, e history.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) types() []history.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]history.EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func TestAuditSinkRecordsDeferAndRelease(t *testing.T) {
	in := eventbus.New[event.ProcessEvent]()
	out := eventbus.New[event.ProcessEvent]()
	store := config.NewStore(twoTargetConfig(config.OnFailureSkip, 10*time.Millisecond))
	c := New(in, out, store, testLogger())
	sink := &fakeSink{}
	c.SetAuditSink(sink)

	outSub := out.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	in.Publish(event.Down("b", 1, time.Now()))
	time.Sleep(5 * time.Millisecond)
	in.Publish(event.Down("a", 2, time.Now()))

	// "b" is forwarded at once; "a" is released at the first retry, 5s after
	// its defer.
	deadline := time.After(7 * time.Second)
	for releasedA := false; !releasedA; {
		select {
		case ev := <-recvAsync(outSub):
			releasedA = ev.Name == "a"
		case <-deadline:
			t.Fatal("expected a to eventually be released")
		}
	}

	require.Contains(t, sink.types(), history.EventRecovering)
	require.Contains(t, sink.types(), history.EventDeferred)
	require.Contains(t, sink.types(), history.EventReleased)
}

func recvAsync(sub *eventbus.Subscription[event.ProcessEvent]) <-chan event.ProcessEvent {
	ch := make(chan event.ProcessEvent, 1)
	go func() {
		ev, err := sub.Recv()
		if err == nil {
			ch <- ev
		}
	}()
	return ch
}
