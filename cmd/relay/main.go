package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"notify-relay/internal/config"
	"notify-relay/internal/conntable"
	"notify-relay/internal/health"
	"notify-relay/internal/logging"
	"notify-relay/internal/registry"
	"notify-relay/internal/router"
	"notify-relay/internal/server"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.Log(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := registry.New(registry.Config{
		URL:             cfg.NATSURL,
		Token:           cfg.NATSToken,
		Bucket:          cfg.RegistryBucket,
		Subject:         cfg.BroadcastSubject,
		RecordTTL:       cfg.RecordTTL,
		MaxRetryElapsed: cfg.RegistryRetryMax,
		OpTimeout:       cfg.RegistryTimeout,
		InstanceID:      cfg.InstanceID,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to shared registry")
	}

	table := conntable.New()
	rt := router.New(table, reg, logger)

	if err := reg.SubscribeBroadcast(rt.HandleBroadcast); err != nil {
		logger.Fatal().Err(err).Msg("Failed to subscribe to broadcast channel")
	}
	reg.StartRenewal(ctx, cfg.RenewInterval(), table.ObserverIDs)

	srv := server.New(cfg, logger, table, rt)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start connection endpoint")
	}

	reporter := health.NewReporter(table, reg, srv.Draining, cfg.LivenessWindow)
	healthSrv := health.NewServer(cfg.HealthAddr, reporter, logger)
	healthSrv.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Termination signal received")

	// Drain order: readiness flips inside Shutdown first, then connections
	// are notified and closed, then the registry connection and the health
	// server go away.
	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Shutdown error")
	}
	cancel()
	reg.Close()
	healthSrv.Stop()
}
