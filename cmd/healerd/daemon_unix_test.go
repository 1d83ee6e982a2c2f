//go:build !windows

package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestWriteDaemonPIDFile(t *testing.T) {
	dir := t.TempDir()
	if err := writeDaemonPIDFile(dir, 4242); err != nil {
		t.Fatalf("writeDaemonPIDFile: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, daemonPIDFileName))
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	got, err := strconv.Atoi(string(data))
	if err != nil {
		t.Fatalf("pid file did not contain an integer: %v", err)
	}
	if got != 4242 {
		t.Errorf("expected pid 4242, got %d", got)
	}
}

func TestWriteDaemonPIDFileCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "pid")
	if err := writeDaemonPIDFile(dir, 1); err != nil {
		t.Fatalf("writeDaemonPIDFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, daemonPIDFileName)); err != nil {
		t.Errorf("expected pid file to exist: %v", err)
	}
}

func TestReadLogDirectoryHintMissingFileIsNotFatal(t *testing.T) {
	if _, err := readLogDirectoryHint("/nonexistent/healer.yaml"); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
