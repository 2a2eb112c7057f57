package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vectorha/proxy/internal/app"
	"github.com/vectorha/proxy/internal/config"
	"github.com/vectorha/proxy/internal/logging"
)

func main() {
	primaryURL := flag.String("primary-url", "", "primary backend instance base URL (overrides config/env)")
	replicaURL := flag.String("replica-url", "", "replica backend instance base URL (overrides config/env)")
	databaseURL := flag.String("database-url", "", "persistence store DSN (overrides config/env)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config/env)")
	envFile := flag.String("env-file", ".env", "path to a .env file to load before reading the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile, flagArgs(*primaryURL, *replicaURL, *databaseURL, *addr))
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	logger := logging.New("vectorha-proxy", cfg.LogLevel, cfg.LogFormat)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatalf("initialize application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.WithFields(map[string]interface{}{
		"primary": cfg.PrimaryURL,
		"replica": cfg.ReplicaURL,
	}).Info("starting proxy")

	if err := application.Start(ctx); err != nil {
		logger.Fatalf("application exited with error: %v", err)
	}
}

// flagArgs re-encodes explicitly-set flags as config.Load's flag-set
// syntax so CLI overrides take precedence over .env/environment values
// per the documented precedence order.
func flagArgs(primaryURL, replicaURL, databaseURL, addr string) []string {
	var args []string
	if primaryURL != "" {
		args = append(args, "-primary-url", primaryURL)
	}
	if replicaURL != "" {
		args = append(args, "-replica-url", replicaURL)
	}
	if databaseURL != "" {
		args = append(args, "-database-url", databaseURL)
	}
	if addr != "" {
		args = append(args, "-addr", addr)
	}
	return args
}
