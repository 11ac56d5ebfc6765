package main

import (
	"os"

	"github.com/psantana5/reftrack/cmd/reftrack/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
