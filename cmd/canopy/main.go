// Package main provides the canopy CLI.
package main

import (
	"os"

	"github.com/mesh-intelligence/canopy/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
