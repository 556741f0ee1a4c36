// Package main calls the dual host's greeter over gRPC.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	greetcmd "github.com/louisbranch/dualhost/internal/cmd/greet"
	entrypoint "github.com/louisbranch/dualhost/internal/platform/cmd"
	"github.com/louisbranch/dualhost/internal/platform/config"
	"github.com/louisbranch/dualhost/internal/platform/logging"
)

func main() {
	cfg, err := greetcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	config.ExitOnError("parse flags", err)

	logger, err := logging.New(logging.Config{Level: "warn", Service: entrypoint.ServiceGreet})
	config.ExitOnError("build logger", err)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceGreet, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		return greetcmd.Run(ctx, cfg, os.Stdout, logger)
	})
	config.ExitOnError("greet", err)
}
