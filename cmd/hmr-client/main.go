// Package main is the entry point for the HMR client.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/esm-hmr/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
