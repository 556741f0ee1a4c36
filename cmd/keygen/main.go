// Package main writes a signing key for the dual host.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/dualhost/internal/platform/config"
	"github.com/louisbranch/dualhost/internal/tools/keygen"
)

func main() {
	opts, err := keygen.ParseOptions(flag.CommandLine, os.Args[1:])
	config.ExitOnError("parse flags", err)
	config.ExitOnError("generate key", keygen.Run(os.Stdout, opts))
}
