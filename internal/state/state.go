// Package state holds the relay's process-wide mutable state: signal chains,
// the idempotency seen-set, and last-entry memos.
//
// Each map is guarded by its own mutex and expires entries lazily on access;
// a janitor goroutine sweeps them periodically so memory stays flat when
// traffic stops. Dispatches on different queue keys touch these maps
// concurrently, which is safe because every public method is a single
// locked operation.
package state

import (
	"context"
	"log/slog"
	"time"

	"delta-relay/internal/config"
)

// State bundles the shared maps behind one constructor and janitor.
type State struct {
	Chains *ChainStore
	Seen   *Seen
	Memos  *Memos

	logger *slog.Logger
}

// New creates the state maps from the chain configuration.
func New(cfg config.ChainConfig, logger *slog.Logger) *State {
	return &State{
		Chains: NewChainStore(cfg.TTL, cfg.Window),
		Seen:   NewSeen(cfg.SeenTTL, cfg.SeenCap, cfg.SeenTrim),
		Memos:  NewMemos(cfg.MemoTTL),
		logger: logger.With("component", "state"),
	}
}

// Run sweeps the maps every 30 seconds until ctx is cancelled.
func (s *State) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			chains := s.Chains.Sweep(now)
			seen := s.Seen.Sweep(now)
			memos := s.Memos.Sweep(now)
			if chains+seen+memos > 0 {
				s.logger.Debug("janitor sweep",
					"chains", chains, "seen", seen, "memos", memos)
			}
		}
	}
}
