// Command mindrelay is the operator-facing CLI over the Host/Client core:
// start boots a Host and serves peers in the foreground; the remaining
// subcommands are thin administrative wrappers around an already-running
// `start` process: copy-server-id and show-qr read the Server ID it wrote,
// and the others signal it (spec §6, "CLI/operator surface").
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/quietloop/mindrelay/internal/runtimestate"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mindrelay:", err)
		if errors.Is(err, runtimestate.ErrLockHeld) {
			return 2
		}
		return 1
	}
	return 0
}
