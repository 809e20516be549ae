// Package main is the entry point for the avsplice application.
package main

import (
	"os"

	"github.com/avswitch/splicer/cmd/avsplice/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
