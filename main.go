package main

import (
	"os"

	"github.com/courseman/courseman/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
