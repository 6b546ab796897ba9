// Package main is the entry point for the routed software router.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/routed/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
