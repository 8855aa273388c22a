// Package main is the entry point for the deskagent daemon CLI.
package main

import (
	"fmt"
	"os"

	"github.com/deskagent-ai/deskagent/cmd/deskagent/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
