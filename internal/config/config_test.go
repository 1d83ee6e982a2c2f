package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "healer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMinimalPidProcess(t *testing.T) {
	path := writeTemp(t, `
processes:
  - name: counter
    enabled: true
    command: /usr/bin/counter
    args: ["--flag"]
    monitor:
      type: pid
      pid_file_path: /tmp/counter.pid
      interval_secs: 1
    recovery:
      type: regular
      retries: 3
      retry_window_secs: 10
      cooldown_secs: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Processes, 1)

	p := cfg.Processes[0]
	require.Equal(t, "counter", p.Name)
	require.Equal(t, MonitorPid, p.Monitor.Kind)
	require.Equal(t, "/tmp/counter.pid", p.Monitor.PIDFilePath)
	require.Equal(t, RecoveryRegular, p.Recovery.Kind)
	require.Equal(t, 3, p.Recovery.Retries)
}

func TestLoadDependencyDefaults(t *testing.T) {
	path := writeTemp(t, `
processes:
  - name: a
    enabled: true
    command: /bin/a
    monitor: { type: pid, pid_file_path: /tmp/a.pid }
    dependencies:
      - b
  - name: b
    enabled: true
    command: /bin/b
    monitor: { type: pid, pid_file_path: /tmp/b.pid }
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	a := cfg.Processes[0]
	require.Len(t, a.Dependencies, 1)
	dep := a.Dependencies[0]
	require.Equal(t, "b", dep.Target)
	require.Equal(t, DependencyRequires, dep.Kind)
	require.True(t, dep.Hard)
	require.Equal(t, OnFailureAbort, dep.OnFailure)
	require.Equal(t, int64(30), int64(dep.MaxWait.Seconds()))
}

func TestLoadDependencyExplicitObject(t *testing.T) {
	path := writeTemp(t, `
processes:
  - name: a
    command: /bin/a
    monitor: { type: pid, pid_file_path: /tmp/a.pid }
    dependencies:
      - target: b
        kind: requires
        hard: true
        max_wait_secs: 1
        on_failure: skip
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	dep := cfg.Processes[0].Dependencies[0]
	require.Equal(t, OnFailureSkip, dep.OnFailure)
	require.Equal(t, int64(1), int64(dep.MaxWait.Seconds()))
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	path := writeTemp(t, `
processes:
  - name: dup
    command: /bin/a
    monitor: { type: pid, pid_file_path: /tmp/a.pid }
  - name: dup
    command: /bin/b
    monitor: { type: pid, pid_file_path: /tmp/b.pid }
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingCommand(t *testing.T) {
	path := writeTemp(t, `
processes:
  - name: nocmd
    monitor: { type: pid, pid_file_path: /tmp/a.pid }
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadNotRegularIsDefault(t *testing.T) {
	path := writeTemp(t, `
processes:
  - name: plain
    command: /bin/a
    monitor: { type: ebpf }
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, RecoveryNotRegular, cfg.Processes[0].Recovery.Kind)
}
