package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"delta-relay/internal/config"
)

// Server runs the webhook listener and the operator surface
type Server struct {
	cfg      config.Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server. The metrics handler is passed in so
// this package does not depend on the metrics registry.
func NewServer(
	cfg config.Config,
	dispatcher Dispatcher,
	metricsHandler http.Handler,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(dispatcher, cfg, hub, logger)

	mux := http.NewServeMux()

	// Webhook and health routes are always served
	mux.HandleFunc("/tv", handlers.HandleWebhook)
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/healthz", handlers.HandleHealth)
	mux.HandleFunc("/debug/seen", handlers.HandleSeen)
	mux.HandleFunc("/debug/chain", handlers.HandleChain)

	// Operator surface is opt-in
	if cfg.Debug.Enabled {
		mux.HandleFunc("/debug/state", handlers.HandleState)
		mux.Handle("/metrics", metricsHandler)
		mux.HandleFunc("/ws", handlers.HandleWebSocket)
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Webhook.ListenPort),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// Dispatches can block on flatten waits, keep the write window wide
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server and hub
func (s *Server) Start() error {
	// Start WebSocket hub
	go s.hub.Run()

	// Start event consumer
	go s.consumeEvents()

	s.logger.Info("webhook server starting", "addr", s.server.Addr, "debug", s.cfg.Debug.Enabled)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping webhook server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents reads events from the dispatcher and broadcasts them.
// Returns when the dispatcher closes its stream on shutdown.
func (s *Server) consumeEvents() {
	for evt := range s.handlers.dispatcher.Events() {
		s.hub.BroadcastEvent(evt)
	}
}
