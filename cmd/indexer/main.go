// Package main provides the entry point for the storyreel-indexer CLI.
package main

import (
	"fmt"
	"os"

	"github.com/bobarin/storyreel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
