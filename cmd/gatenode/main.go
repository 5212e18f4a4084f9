// Command gatenode runs the edge access-control node.
package main

import (
	"os"

	"github.com/visiona/gatenode/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
