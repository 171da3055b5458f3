// Package main is the entry point for the flowmesh CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flowmesh:", err)
		os.Exit(1)
	}
}
