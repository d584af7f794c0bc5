// Package main provides the safectl CLI application.
package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

func main() {
	// Wipe key buffers on Ctrl+C as well as on normal exit
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		memguard.SafeExit(1)
	}
}
