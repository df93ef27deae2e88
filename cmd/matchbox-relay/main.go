// Package main is the entry point for the matchbox relay server.
package main

import (
	"os"

	"github.com/ftcvideo/matchbox/cmd/matchbox-relay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
