// Package runtimestate holds the small amount of ephemeral, per-run state a
// foreground `mindrelay start` process shares with the short-lived
// administrative subcommands invoked against it (copy-server-id, show-qr,
// select-model, stop, quit, toggle-debug): a single-instance lock file
// (which also records the running process's pid for signaling) and a
// runtime directory for a couple of small hand-off files.
//
// None of this is persisted across restarts in the sense the spec's
// Non-goals exclude — the lock and Server ID files are written at the start
// of one run and removed at the end of it, and the pending-model file that
// select-model writes is removed when the running instance reads it; a
// fresh `start` never reads yesterday's Server ID back.
package runtimestate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir returns the per-user runtime directory, creating it if necessary.
func Dir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("runtimestate: locate cache dir: %w", err)
	}
	dir := filepath.Join(base, "mindrelay")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("runtimestate: create runtime dir: %w", err)
	}
	return dir, nil
}

func path(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// LockPath is the single-instance advisory lock file's path.
func LockPath() (string, error) { return path("mindrelay.lock") }

func serverIDPath() (string, error) { return path("server_id") }

func pendingModelPath() (string, error) { return path("pending_model") }

// WriteServerID records the running instance's base58 Server ID so
// copy-server-id/show-qr can find it without their own transport access.
func WriteServerID(id string) error {
	p, err := serverIDPath()
	if err != nil {
		return err
	}
	return os.WriteFile(p, []byte(id+"\n"), 0o600)
}

// ReadServerID reads back the Server ID written by a running instance.
func ReadServerID() (string, error) {
	p, err := serverIDPath()
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("runtimestate: no instance appears to be running")
		}
		return "", fmt.Errorf("runtimestate: read server id: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// RemoveServerID deletes the Server ID hand-off file, idempotently.
func RemoveServerID() error {
	p, err := serverIDPath()
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WritePendingModel deposits a model name for the running instance to pick
// up on its next SIGHUP (see select-model).
func WritePendingModel(model string) error {
	p, err := pendingModelPath()
	if err != nil {
		return err
	}
	return os.WriteFile(p, []byte(model+"\n"), 0o600)
}

// ReadPendingModel reads and clears the pending model name, if any.
func ReadPendingModel() (string, bool, error) {
	p, err := pendingModelPath()
	if err != nil {
		return "", false, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("runtimestate: read pending model: %w", err)
	}
	_ = os.Remove(p)
	return strings.TrimSpace(string(b)), true, nil
}
