// Package main is the entry point for vmctl, the command line client for the
// vmplane controller.
package main

import (
	"os"

	"vmplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
