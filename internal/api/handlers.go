package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"delta-relay/internal/config"
	"delta-relay/pkg/types"
)

// maxWebhookBody bounds one webhook delivery. Alert payloads are a few
// hundred bytes; anything near the cap is not a signal.
const maxWebhookBody = 1 << 20

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	dispatcher Dispatcher
	cfg        config.Config
	hub        *Hub
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(dispatcher Dispatcher, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		dispatcher: dispatcher,
		cfg:        cfg,
		hub:        hub,
		logger:     logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Debug, r.Host)
		},
	}
	return h
}

// HandleWebhook accepts one alert delivery on POST /tv, parses it, and runs
// it through the dispatcher. The HTTP status mirrors the dispatch outcome:
// 200 for everything the relay accepted (done, progressed, queued, dedup,
// ignored), 400 when parsing or the dispatch itself failed.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, Response{OK: false, Error: "method not allowed"})
		return
	}

	if token := h.cfg.Webhook.Token; token != "" {
		if r.Header.Get("x-webhook-token") != token {
			h.logger.Warn("webhook token rejected", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, Response{OK: false, Error: "unauthorized"})
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{OK: false, Error: "read body: " + err.Error()})
		return
	}

	sig, err := types.ParseSignal(body)
	if err != nil {
		h.logger.Warn("webhook parse failed", "error", err, "remote", r.RemoteAddr)
		writeJSON(w, http.StatusBadRequest, Response{OK: false, Error: err.Error()})
		return
	}

	resp := h.dispatcher.Dispatch(r.Context(), sig)
	status := http.StatusOK
	if resp.Error != "" {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// HandleHealth answers liveness probes.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSeen serves the idempotency window.
func (h *Handlers) HandleSeen(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.SeenSnapshot())
}

// HandleChain serves the live signal chains.
func (h *Handlers) HandleChain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.ChainSnapshot())
}

// HandleState serves the full relay state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.StateSnapshot())
}

// HandleWebSocket upgrades the connection, registers the client on the hub,
// and seeds it with a state snapshot so it can render without waiting for
// the next event.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := NewClient(h.hub, conn)

	evt := NewEvent("snapshot", "", "", h.dispatcher.StateSnapshot())
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal initial snapshot", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("initial snapshot dropped, client send buffer full")
	}
}

// isOriginAllowed decides whether a browser origin may open the stream.
// No Origin header means a non-browser client and passes. With an allowlist
// configured only exact entries pass. Without one, localhost and same-host
// origins pass, which covers an operator browsing the box the relay runs on.
func isOriginAllowed(origin string, cfg config.DebugConfig, reqHost string) bool {
	if origin == "" {
		return true
	}

	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response", "error", err)
	}
}
