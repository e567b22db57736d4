//go:build cgo
// +build cgo

package main

import (
	"log"
	"os"

	"github.com/hpcops/allocsync/pkg/sync/cli"
)

// Main entry point for `allocsync` app.
func main() {
	// Create a new app
	allocSync, err := cli.NewAllocSync()
	if err != nil {
		panic("Failed to create an instance of allocsync app")
	}

	// Main entrypoint of the app
	if err := allocSync.Main(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
