package main

import (
	"os"

	"github.com/S1riyS/hugefs/cmd/commands"
	"github.com/fatih/color"
)

func main() {
	if err := commands.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
