// Package main is the entry point for sessctl, the sessionplane CLI.
package main

import (
	"os"

	"sessionplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
