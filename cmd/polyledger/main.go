// Command polyledger runs the pricing and settlement ledger. It loads
// configuration, validates it, wires dependencies, sets up signal handling
// and dispatches to the serve, quote and audit subcommands.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
