package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quietloop/mindrelay/internal/runtimestate"
)

// newShowQRCommand prints the Server ID for external QR rendering. QR
// rendering itself is a UI concern out of scope for the core; this command
// stays in the tree without pulling in a rendering dependency the core
// never exercises.
func newShowQRCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show-qr",
		Short: "Print the Server ID for external QR rendering",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := runtimestate.ReadServerID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			fmt.Fprintln(cmd.OutOrStdout(), "(encode the line above as a QR code; rendering is outside this tool's scope)")
			return nil
		},
	}
}
