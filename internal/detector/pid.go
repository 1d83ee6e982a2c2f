// Package detector probes whether a process identified by a PID is alive
// using the signal-0 technique.
package detector

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ReadPIDFile reads and parses a PID file's content. It returns an error
// for a missing file or unparsable/non-positive content; callers treat
// both as a transient race and log-and-continue rather than emit an event.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	if pid <= 0 {
		return 0, errors.New("detector: pid file contains non-positive pid")
	}
	return pid, nil
}

// Alive probes pid with signal 0. It returns (true, nil) if the process
// exists, (false, nil) if the OS reports ESRCH ("no such process"), and
// (false, err) for any other error (most commonly EPERM, a process that
// exists but is owned by another user) — callers log that case and do not
// treat it as Down.
func Alive(pid int) (bool, error) {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.ESRCH) {
		return false, nil
	}
	return false, err
}
