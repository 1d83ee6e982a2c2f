package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/openeuler-mirror/process-healer/internal/event"
	"github.com/openeuler-mirror/process-healer/internal/eventbus"
)

// Network polls an HTTP health URL on an interval, grounded on the
// transport-error-only trigger rule: non-2xx status is logged, not
// treated as Down, because the core only reacts to transport failures.
type Network struct {
	Name      string
	TargetURL string
	Interval  time.Duration
	Out       *eventbus.Bus[event.ProcessEvent]
	Log       *slog.Logger
	Client    *http.Client
}

// Run ticks until ctx is cancelled.
func (m *Network) Run(ctx context.Context) error {
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: m.Interval}
	}
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick(ctx, client)
		}
	}
}

func (m *Network) tick(ctx context.Context, client *http.Client) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.TargetURL, nil)
	if err != nil {
		m.Log.Warn("network monitor: could not build request", "name", m.Name, "error", err)
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		m.Out.Publish(event.Disconnected(m.Name, m.TargetURL, time.Now()))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.Log.Warn("network monitor: non-2xx health response", "name", m.Name, "status", resp.StatusCode)
		return
	}
	m.Log.Debug("network monitor: health check ok", "name", m.Name)
}
