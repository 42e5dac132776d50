package main

import (
	"os"

	"github.com/psantana5/oomwatch/cmd/oomwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
