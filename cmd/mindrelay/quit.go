package main

import (
	"syscall"

	"github.com/spf13/cobra"
)

// newQuitCommand requests the same graceful shutdown as stop. It exists as
// a distinct verb because the spec's operator surface lists both; here they
// are aliases over one signal.
func newQuitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "quit",
		Short: "Shut down the running Host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalRunningInstance(syscall.SIGTERM)
		},
	}
}
