package main

import (
	"syscall"

	"github.com/spf13/cobra"
)

func newToggleDebugCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle-debug",
		Short: "Flip the running Host's log level between info and debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalRunningInstance(syscall.SIGUSR1)
		},
	}
}
