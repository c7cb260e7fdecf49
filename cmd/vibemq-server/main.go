// Copyright (c) 2025 Bobsans. All rights reserved.
// Use of this source code is governed by the VibeMQ License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/Bobsans/VibeMQ-sub000/internal/broker"
	"github.com/Bobsans/VibeMQ-sub000/internal/config"
	"github.com/Bobsans/VibeMQ-sub000/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/vibemq/broker.yaml", "path to broker config file")
	flag.Parse()

	cfg, err := config.LoadBrokerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := broker.Run(ctx, cfg, logger); err != nil {
		logger.Error("broker error", "error", err)
		os.Exit(1)
	}
}
