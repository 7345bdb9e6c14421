package main

import (
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quietloop/mindrelay/internal/runtimestate"
)

func newSelectModelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "select-model <name>",
		Short: "Change the model the running Host advertises",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runtimestate.WritePendingModel(args[0]); err != nil {
				return err
			}
			return signalRunningInstance(syscall.SIGHUP)
		},
	}
}
