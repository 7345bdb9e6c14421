package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/quietloop/mindrelay/internal/runtimestate"
)

// signalRunningInstance delivers sig to whatever process holds the
// single-instance lock, the stand-in this CLI uses in place of a real
// administrative IPC channel (spec §6 treats that channel as external).
func signalRunningInstance(sig syscall.Signal) error {
	lockPath, err := runtimestate.LockPath()
	if err != nil {
		return err
	}
	pid, err := runtimestate.ReadPID(lockPath)
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("mindrelay: find running instance: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("mindrelay: signal running instance: %w", err)
	}
	return nil
}
