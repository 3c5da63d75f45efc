package main

import (
	"os"

	"github.com/tofut/tredy/cmd/tredy/commands"
)

var version = "dev"

func main() {
	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
