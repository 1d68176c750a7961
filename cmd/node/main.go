package main

import (
	"os"

	"marinvpn/cmd/node/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
