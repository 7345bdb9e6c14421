package main

import "github.com/spf13/cobra"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mindrelay",
		Short:         "Expose a local model to remote peers over an encrypted overlay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newStartCommand(),
		newStopCommand(),
		newSelectModelCommand(),
		newCopyServerIDCommand(),
		newShowQRCommand(),
		newToggleDebugCommand(),
		newQuitCommand(),
	)

	return root
}
