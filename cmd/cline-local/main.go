// Package main provides the entry point for the cline-local CLI.
package main

import (
	"fmt"
	"os"

	"github.com/nobody-qwert/cline-local/cmd/cline-local/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
