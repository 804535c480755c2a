// Package main is the entry point for the plumberd service runtime.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/plumber/cmd"
	_ "firestige.xyz/plumber/pkg/servlet/builtin" // registers the built-in servlets
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
