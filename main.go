// Command broker serves delta-compressed world snapshots to websocket
// subscribers and exposes diagnostics over HTTP and gRPC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"snapsync/broker/internal/config"
	"snapsync/broker/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	broker, err := NewBroker(cfg, logger)
	if err != nil {
		logger.Fatal("broker setup failed", logging.Error(err))
	}
	listeners, err := broker.Listen()
	if err != nil {
		logger.Fatal("broker listen failed", logging.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := broker.Serve(ctx, listeners); err != nil {
		logger.Error("broker stopped with error", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
