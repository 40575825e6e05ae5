// Package main provides the entry point for the localkb CLI.
package main

import (
	"os"

	"github.com/localkb/localkb/cmd/localkb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
