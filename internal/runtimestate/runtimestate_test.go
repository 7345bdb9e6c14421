package runtimestate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadServerIDRoundTrip(t *testing.T) {
	withRuntimeDir(t)

	if err := WriteServerID("abc123"); err != nil {
		t.Fatalf("WriteServerID: %v", err)
	}
	got, err := ReadServerID()
	if err != nil {
		t.Fatalf("ReadServerID: %v", err)
	}
	if got != "abc123" {
		t.Fatalf("ReadServerID() = %q, want %q", got, "abc123")
	}

	if err := RemoveServerID(); err != nil {
		t.Fatalf("RemoveServerID: %v", err)
	}
	if _, err := ReadServerID(); err == nil {
		t.Fatal("expected an error reading the Server ID after removal")
	}
}

func TestRemoveServerIDIsIdempotent(t *testing.T) {
	withRuntimeDir(t)

	if err := RemoveServerID(); err != nil {
		t.Fatalf("RemoveServerID on a clean directory should be a no-op: %v", err)
	}
}

func TestReadPendingModelClearsFile(t *testing.T) {
	withRuntimeDir(t)

	if err := WritePendingModel("llama3"); err != nil {
		t.Fatalf("WritePendingModel: %v", err)
	}

	model, ok, err := ReadPendingModel()
	if err != nil {
		t.Fatalf("ReadPendingModel: %v", err)
	}
	if !ok || model != "llama3" {
		t.Fatalf("ReadPendingModel() = (%q, %v), want (llama3, true)", model, ok)
	}

	// The second read must see no pending model: the first read cleared it.
	_, ok, err = ReadPendingModel()
	if err != nil {
		t.Fatalf("ReadPendingModel (second read): %v", err)
	}
	if ok {
		t.Fatal("a pending model should be consumed by the first read")
	}
}

func TestAcquireRejectsSecondLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "mindrelay.lock")

	lock, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer lock.Release()

	if _, err := Acquire(lockPath); err != ErrLockHeld {
		t.Fatalf("second Acquire() err = %v, want ErrLockHeld", err)
	}

	pid, err := ReadPID(lockPath)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("ReadPID() = %d, want %d", pid, os.Getpid())
	}
}

func TestAcquireAfterReleaseSucceeds(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "mindrelay.lock")

	lock, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	defer second.Release()
}

func TestReadPIDMissingLock(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadPID(filepath.Join(dir, "absent.lock")); err == nil {
		t.Fatal("expected an error reading a pid from a nonexistent lock file")
	}
}

// withRuntimeDir points the package's user-cache-dir lookup at a fresh
// temporary directory for the duration of the test, so Dir()'s on-disk
// hand-off files never touch the real machine's runtime state.
func withRuntimeDir(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", dir)
}
