// Package main is the entry point for the matchbox daemon.
package main

import (
	"os"

	"github.com/ftcvideo/matchbox/cmd/matchbox/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
