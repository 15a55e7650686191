// Command ledger manages a two-collection finance ledger (income and
// expenses) stored as JSON documents and published to git remotes.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
