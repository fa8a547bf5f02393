// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/corelb/corelb/internal/config"
	"github.com/corelb/corelb/internal/logging"
	"github.com/corelb/corelb/internal/proxy"
)

func main() {
	configPath := flag.String("config", "/etc/corelb/corelb.yaml", "path to proxy config file")
	flag.Parse()

	cfg, err := config.LoadProxyConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer logCloser.Close()

	p, err := proxy.New(cfg, logger)
	if err != nil {
		logger.Error("building proxy", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := p.Run(ctx); err != nil {
		logger.Error("proxy error", "error", err)
		os.Exit(1)
	}
}
