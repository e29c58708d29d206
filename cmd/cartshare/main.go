// Package main provides the cartshare command line client.
package main

import (
	"os"

	"github.com/listenupapp/cartshare/cmd/cartshare/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
