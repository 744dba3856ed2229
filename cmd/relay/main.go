// Delta Exchange Relay — receives TradingView webhook alerts and executes
// them as signal chains against the Delta Exchange India derivatives API.
//
// Architecture:
//
//	main.go             — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go    — dispatcher: validates, dedups, queues, and runs signal chains
//	engine/dispatch.go  — chain steps: flatten (CANCAL), market entry (ENTER), TP batch (BATCH_TPS)
//	state/              — chain slots, idempotency window, last-entry memos, janitor
//	sizing/sizing.go    — margin-based lot sizing, position unit inference, TP normalization
//	flatten/flatten.go  — cancel open orders and close positions, then wait until flat
//	products/           — product catalog cache with lot multipliers learned from fills
//	exchange/client.go  — REST client for the exchange API (orders, batches, positions)
//	exchange/sign.go    — HMAC request signing
//	api/                — webhook listener, debug endpoints, event stream over WebSocket
//
// How a chain executes:
//
//	Alerts for one trade arrive as three legs sharing a sig_id: CANCAL clears
//	prior exposure, ENTER opens the position at market, BATCH_TPS places the
//	reduce-only take-profit ladder. Legs can arrive in any order; the chain
//	state buffers early arrivals and each delivery advances every step whose
//	message is present. Duplicate deliveries are dropped by fingerprint.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"delta-relay/internal/api"
	"delta-relay/internal/config"
	"delta-relay/internal/engine"
	"delta-relay/internal/exchange"
	"delta-relay/internal/flatten"
	"delta-relay/internal/metrics"
	"delta-relay/internal/products"
	"delta-relay/internal/sizing"
	"delta-relay/internal/state"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Wire components bottom-up: client, catalog, flattener, state, engine
	client := exchange.NewClient(*cfg, logger)
	m := metrics.New()
	client.SetRequestObserver(m.ObserveExchangeRequest)

	catalog := products.NewCatalog(client, cfg.Exchange.ProductsTTL, logger)
	flat := flatten.New(client, catalog, sizing.New(cfg.Sizing), cfg.Flatten, logger)
	st := state.New(cfg.Chain, logger)

	eng := engine.New(*cfg, client, catalog, flat, st, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)

	apiServer := api.NewServer(*cfg, eng, m.Handler(), logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("webhook server failed", "error", err)
			os.Exit(1)
		}
	}()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("delta exchange relay started",
		"port", cfg.Webhook.ListenPort,
		"base_url", cfg.Exchange.BaseURL,
		"strict_sequence", cfg.Webhook.StrictSequence,
		"auto_cancel_on_enter", cfg.Chain.AutoCancelOnEnter,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the listener first so no new dispatches start, then drain the engine
	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop webhook server", "error", err)
	}
	cancel()
	eng.Close()
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
