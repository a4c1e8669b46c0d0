// Package main is the single-binary entrypoint for arcnetd, the
// ArcNet-Protocol control-plane daemon.
package main

import "github.com/arc-pbc-co/arcnet/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
