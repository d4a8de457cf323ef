// Package main is the entry point for the rinashim shim IPC process.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/rinashim/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
