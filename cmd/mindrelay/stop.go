package main

import (
	"syscall"

	"github.com/spf13/cobra"
)

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running Host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return signalRunningInstance(syscall.SIGTERM)
		},
	}
}
