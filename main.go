// Package main is the entry point for the themis rule engine CLI.
package main

import (
	"fmt"
	"os"

	"themis/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
