// Package main implements kphttpd, a KeePassHTTP server. It answers the
// challenge/response protocol over HTTP (TCP or vsock) and optionally over
// NATS request/reply, with client keys and logins sealed at rest.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thialfihar/python-keepass-httpd/bootstrap"
	"github.com/thialfihar/python-keepass-httpd/config"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode (no hardening, debug logging)")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides config)")
	vsockPort := flag.Uint("vsock-port", 0, "Listen on this vsock port instead of TCP (overrides config)")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *httpAddr != "" {
		cfg.HTTP.Address = *httpAddr
	}
	if *vsockPort != 0 {
		cfg.HTTP.VsockPort = uint32(*vsockPort)
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *devMode {
		cfg.DevMode = true
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.DevMode {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Bool("dev_mode", cfg.DevMode).
		Msg("kphttpd starting")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if err := EnforceIsolation(cfg.DevMode); err != nil {
		log.Fatal().Err(err).Msg("Failed to harden process")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	// Blocks until the context is cancelled
	if err := run(ctx, cfg, bootstrap.Open); err != nil {
		log.Error().Err(err).Msg("Server error")
		os.Exit(1)
	}

	log.Info().Msg("kphttpd shutdown complete")
}

// run opens the stores and serves until ctx is cancelled. The stores are
// closed, wiping the DEK, on every return path.
func run(ctx context.Context, cfg *config.Config, open func(context.Context, *config.Config) (*bootstrap.Stores, error)) error {
	stores, err := open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer stores.Close()

	server, err := NewServer(ctx, cfg, stores)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return server.Run(ctx)
}
