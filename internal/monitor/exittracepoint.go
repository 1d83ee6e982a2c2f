package monitor

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"

	"github.com/openeuler-mirror/process-healer/internal/event"
	"github.com/openeuler-mirror/process-healer/internal/eventbus"
)

// exitEvent is the fixed wire layout: little-endian u32 pid
// followed by a NUL-padded 16-byte comm.
type exitEvent struct {
	Pid  uint32
	Comm [16]byte
}

// ExitTracepoint is the single process-wide consumer of kernel exit events
// for a dynamic set of watched executable basenames, generalizing
// original_source/healer/src/monitor/ebpf_monitor.rs. Unlike the source's
// Arc<Mutex<Ebpf>>, the kernel handle is confined to this type's owning
// goroutine (see the design note on kernel-state ownership): Watch/Unwatch
// send commands over a channel instead of taking a lock.
type ExitTracepoint struct {
	Out *eventbus.Bus[event.ProcessEvent]
	Log *slog.Logger

	coll      *ebpf.Collection
	tp        link.Link
	watchMap  *ebpf.Map
	eventsMap *ebpf.Map
	reader    *perf.Reader

	inverse map[[16]byte]string // truncated comm -> logical process name
	cmdCh   chan watchCmd
}

type watchOp int

const (
	opWatch watchOp = iota
	opUnwatch
)

type watchCmd struct {
	op          watchOp
	basename    string
	logicalName string
	result      chan error
}

// LoadExitTracepoint reads the compiled BPF object at objPath (the
// ebpf_object_path configuration setting, since the kernel program itself
// is out of scope here), attaches it to
// sched:sched_process_exit, and opens the per-CPU perf event array. A
// failure here is systemic and terminates the daemon at startup.
func LoadExitTracepoint(objPath string, out *eventbus.Bus[event.ProcessEvent], log *slog.Logger) (*ExitTracepoint, error) {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("load bpf object %s: %w", objPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("instantiate bpf collection: %w", err)
	}

	prog, ok := coll.Programs["healer_exit"]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("bpf object missing program %q", "healer_exit")
	}
	tp, err := link.Tracepoint("sched", "sched_process_exit", prog, nil)
	if err != nil {
		coll.Close()
		return nil, fmt.Errorf("attach tracepoint: %w", err)
	}

	watchMap, ok := coll.Maps["PROCESS_NAMES_TO_MONITOR"]
	if !ok {
		tp.Close()
		coll.Close()
		return nil, fmt.Errorf("bpf object missing map %q", "PROCESS_NAMES_TO_MONITOR")
	}
	eventsMap, ok := coll.Maps["EVENTS"]
	if !ok {
		tp.Close()
		coll.Close()
		return nil, fmt.Errorf("bpf object missing map %q", "EVENTS")
	}

	reader, err := perf.NewReader(eventsMap, 4096)
	if err != nil {
		tp.Close()
		coll.Close()
		return nil, fmt.Errorf("open perf reader: %w", err)
	}

	return &ExitTracepoint{
		Out:       out,
		Log:       log,
		coll:      coll,
		tp:        tp,
		watchMap:  watchMap,
		eventsMap: eventsMap,
		reader:    reader,
		inverse:   make(map[[16]byte]string),
		cmdCh:     make(chan watchCmd),
	}, nil
}

// Run demultiplexes per-CPU perf events and serializes watch/unwatch
// commands, all on this single owning goroutine, until ctx is cancelled.
func (m *ExitTracepoint) Run(ctx context.Context) error {
	recordCh := make(chan perf.Record)
	readErrCh := make(chan error, 1)
	go m.readLoop(ctx, recordCh, readErrCh)

	for {
		select {
		case <-ctx.Done():
			_ = m.reader.Close()
			m.tp.Close()
			m.coll.Close()
			return nil
		case cmd := <-m.cmdCh:
			cmd.result <- m.apply(cmd)
		case rec := <-recordCh:
			m.handleRecord(rec)
		case err := <-readErrCh:
			return fmt.Errorf("exit-tracepoint monitor: perf reader failed: %w", err)
		}
	}
}

func (m *ExitTracepoint) readLoop(ctx context.Context, out chan<- perf.Record, errCh chan<- error) {
	for {
		rec, err := m.reader.Read()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCh <- err
			return
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return
		}
	}
}

func (m *ExitTracepoint) handleRecord(rec perf.Record) {
	if rec.LostSamples > 0 {
		m.Log.Warn("exit-tracepoint monitor dropped kernel samples", "lost", rec.LostSamples)
		return
	}
	var ev exitEvent
	if err := binary.Read(bytes.NewReader(rec.RawSample), binary.LittleEndian, &ev); err != nil {
		m.Log.Warn("exit-tracepoint monitor: malformed kernel event", "error", err)
		return
	}
	name, ok := m.inverse[ev.Comm]
	if !ok {
		// No configured mapping; fall back to the raw comm so the event
		// is still observable, per the original source's fallback.
		name = commString(ev.Comm)
	}
	m.Out.Publish(event.Down(name, int(ev.Pid), time.Now()))
}

func commString(comm [16]byte) string {
	n := bytes.IndexByte(comm[:], 0)
	if n < 0 {
		n = len(comm)
	}
	return string(comm[:n])
}

// Watch inserts basename into the kernel hash set and records the inverse
// mapping back to logicalName.
func (m *ExitTracepoint) Watch(ctx context.Context, basename, logicalName string) error {
	return m.send(ctx, watchCmd{op: opWatch, basename: basename, logicalName: logicalName})
}

// Unwatch removes basename from the kernel hash set and its inverse mapping.
func (m *ExitTracepoint) Unwatch(ctx context.Context, basename string) error {
	return m.send(ctx, watchCmd{op: opUnwatch, basename: basename})
}

func (m *ExitTracepoint) send(ctx context.Context, cmd watchCmd) error {
	cmd.result = make(chan error, 1)
	select {
	case m.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ExitTracepoint) apply(cmd watchCmd) error {
	truncated := TruncateName(cmd.basename)
	key := PadComm(truncated)
	switch cmd.op {
	case opWatch:
		var present uint8 = 1
		if err := m.watchMap.Update(key, present, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("watch %q: %w", truncated, err)
		}
		m.inverse[key] = cmd.logicalName
		return nil
	case opUnwatch:
		if err := m.watchMap.Delete(key); err != nil && err != ebpf.ErrKeyNotExist {
			return fmt.Errorf("unwatch %q: %w", truncated, err)
		}
		delete(m.inverse, key)
		return nil
	default:
		return fmt.Errorf("unknown watch command")
	}
}
