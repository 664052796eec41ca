// MaaS Marketplace Simulator — a decentralized mobility marketplace where
// commuter and provider agents trade tokenized capacity segments, settled
// against an EVM ledger.
//
// Architecture:
//
//	main.go               — entry point: loads config, connects the ledger, waits for SIGINT/SIGTERM
//	sim/coordinator.go    — facade: registration, requests, offers, bundling, notifications
//	sim/settle.go         — reservation commit + asynchronous settlement watchers
//	market/store.go       — in-memory marketplace state under one RW mutex
//	market/reserve.go     — the atomic reserve-and-match critical section
//	router/router.go      — DFS bundle composition over a segment snapshot
//	ledger/client.go      — nonce-serialized tx submitter + receipt watcher
//	ledger/contracts.go   — deployment manifest + ABI packing for the contracts
//	export/exporter.go    — relational run export (SQLite or Postgres)
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"maas-sim/internal/config"
	"maas-sim/internal/ledger"
	"maas-sim/internal/sim"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MAAS_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	led, err := ledger.Connect(context.Background(), cfg.Ledger, logger)
	if err != nil {
		logger.Error("failed to connect ledger", "error", err)
		os.Exit(1)
	}

	coord := sim.New(cfg, led, logger)

	if cfg.Ledger.DryRun {
		logger.Warn("DRY-RUN MODE — settlements confirm instantly, nothing is broadcast")
	}
	logger.Info("maas marketplace simulator started",
		"run_id", cfg.RunID,
		"chain_id", cfg.Ledger.ChainID,
		"export_driver", cfg.Export.Driver,
		"dry_run", cfg.Ledger.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if cfg.RunID != "" {
		if err := coord.ExportSimulation(context.Background(), cfg.RunID, true); err != nil {
			logger.Error("final export failed", "run_id", cfg.RunID, "error", err)
		}
	}
	coord.Shutdown()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
