package main

import (
	"os"

	"github.com/grahams11/finguru/cmd/finguru/commands"
)

// main is the entry point for the finguru CLI
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
