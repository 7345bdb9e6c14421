package runtimestate

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrLockHeld is returned by Acquire when another instance already holds
// the single-instance lock.
var ErrLockHeld = errors.New("runtimestate: another instance is already running")

// Lock is the single-instance advisory file lock (spec §6, exit code 2).
// It is a plain exclusive-create, not a kernel flock: simple and sufficient
// for the single-operator deployment this targets, at the cost of needing a
// manual cleanup if the process is killed with SIGKILL and never reaches
// Release.
type Lock struct {
	path string
}

// Acquire creates path exclusively, recording the current pid inside it so
// administrative subcommands (stop, quit, toggle-debug, select-model) can
// find the running instance to signal. It returns ErrLockHeld if the lock
// file already exists.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLockHeld
		}
		return nil, fmt.Errorf("runtimestate: acquire lock: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return nil, fmt.Errorf("runtimestate: write lock pid: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("runtimestate: release lock: %w", err)
	}
	return nil
}

// ReadPID reads the pid recorded by whatever instance currently holds path,
// for an administrative subcommand to signal.
func ReadPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("runtimestate: no instance appears to be running")
		}
		return 0, fmt.Errorf("runtimestate: read lock: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("runtimestate: malformed lock file: %w", err)
	}
	return pid, nil
}
