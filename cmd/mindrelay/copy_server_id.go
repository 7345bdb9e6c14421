package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quietloop/mindrelay/internal/runtimestate"
)

func newCopyServerIDCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "copy-server-id",
		Short: "Print the running Host's Server ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := runtimestate.ReadServerID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
