// ABOUTME: Operator CLI for a running coven-gatekeeper
// ABOUTME: Cobra commands over the HTTP API for issues, answers, gates and agents

package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
