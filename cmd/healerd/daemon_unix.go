//go:build !windows

// A re-exec with Setsid detaches the process from the controlling terminal,
// and os.Getppid() == 1 lets the re-exec'd child recognize it is already
// detached and skip re-exec'ing itself again.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/openeuler-mirror/process-healer/internal/config"
)

const daemonPIDFileName = "healerd.pid"

// daemonize re-execs the current binary detached from the controlling
// terminal and exits the parent. The child, recognized via os.Getppid() == 1
// once its parent has exited and it has been reparented to init, returns
// nil and continues as the running daemon.
func daemonize(configPath string) error {
	if os.Getppid() == 1 {
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil

	logPath := filepath.Join(os.TempDir(), "healerd.daemon.log")
	if cfg, err := readLogDirectoryHint(configPath); err == nil && cfg != "" {
		logPath = filepath.Join(cfg, "healerd.daemon.log")
	}
	// #nosec G304 -- log path is derived from the daemon's own configuration, not user input.
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log file: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start detached daemon process: %w", err)
	}

	if pidDir, err := readPIDDirectoryHint(configPath); err == nil && pidDir != "" {
		if werr := writeDaemonPIDFile(pidDir, cmd.Process.Pid); werr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write daemon pid file: %v\n", werr)
		}
	}

	fmt.Printf("healerd started, pid %d, log %s\n", cmd.Process.Pid, logPath)
	os.Exit(0)
	return nil
}

func writeDaemonPIDFile(dir string, pid int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, daemonPIDFileName)
	// #nosec G304 -- path is built from the daemon's own pid_file_directory setting.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

// readLogDirectoryHint and readPIDDirectoryHint load the configuration file
// once, ahead of the full config.Load that happens again in the re-exec'd
// child; a parse failure here is not fatal, the daemon falls back to
// os.TempDir()/skips the pid file.
func readLogDirectoryHint(path string) (string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}
	return cfg.LogDirectory, nil
}

func readPIDDirectoryHint(path string) (string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}
	return cfg.PIDFileDirectory, nil
}
