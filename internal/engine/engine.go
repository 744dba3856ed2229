// Package engine is the webhook dispatcher at the center of the relay.
//
// It wires together all subsystems:
//
//  1. A parsed signal is validated, fingerprinted, and admitted through the
//     idempotency window (duplicates answer without touching the exchange).
//  2. The per-key queue serializes dispatches that touch the same product;
//     distinct products run in parallel.
//  3. The chain store buffers the CANCAL/ENTER/BATCH_TPS legs of one trade,
//     in whatever order they arrive, and tracks which steps have run.
//  4. Each dispatch advances the chain as far as the buffered legs allow:
//     flatten, market entry, then the reduce-only take-profit batch.
//
// Lifecycle: New() → Run(ctx) in a goroutine → Dispatch per delivery →
// ctx cancel → Close().
package engine

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"delta-relay/internal/api"
	"delta-relay/internal/config"
	"delta-relay/internal/flatten"
	"delta-relay/internal/metrics"
	"delta-relay/internal/products"
	"delta-relay/internal/queue"
	"delta-relay/internal/sizing"
	"delta-relay/internal/state"
	"delta-relay/pkg/types"
)

// defaultLearnDelay is how long after an entry the lot-multiplier learner
// waits before reading the position back, to give the fill time to land.
const defaultLearnDelay = 1500 * time.Millisecond

// Exchange is the REST surface the dispatcher calls directly. The flatten
// primitives hold their own, wider view of the same client.
type Exchange interface {
	Ticker(ctx context.Context, symbol string) (*types.Ticker, error)
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	PlaceBatch(ctx context.Context, req types.BatchRequest) ([]types.Order, error)
	Positions(ctx context.Context) ([]types.Position, error)
}

// Engine runs webhook dispatches against one exchange account.
type Engine struct {
	cfg     config.Config
	client  Exchange
	catalog *products.Catalog
	sizer   *sizing.Sizer
	flat    *flatten.Flattener
	queue   *queue.Queue
	state   *state.State
	metrics *metrics.Metrics
	logger  *slog.Logger

	// events feeds the /ws stream. Nil-safe: emit drops when full.
	events chan api.Event

	learnDelay time.Duration
	wg         sync.WaitGroup
}

// New wires the dispatcher. The flattener must wrap the same exchange
// account as client.
func New(
	cfg config.Config,
	client Exchange,
	catalog *products.Catalog,
	flat *flatten.Flattener,
	st *state.State,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:        cfg,
		client:     client,
		catalog:    catalog,
		sizer:      sizing.New(cfg.Sizing),
		flat:       flat,
		queue:      queue.New(),
		state:      st,
		metrics:    m,
		logger:     logger.With("component", "engine"),
		events:     make(chan api.Event, 100),
		learnDelay: defaultLearnDelay,
	}
}

// Run warms the product catalog and runs the state janitor until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	warmCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	if err := e.catalog.Warm(warmCtx); err != nil {
		e.logger.Warn("product warmup failed, first dispatch will fetch", "error", err)
	}
	cancel()

	e.state.Run(ctx)
}

// Close waits for background work (lot-multiplier learners) to finish.
func (e *Engine) Close() {
	e.wg.Wait()
	close(e.events)
}

// Dispatch runs one parsed signal through validation, dedup, queueing, and
// the chain steps. It blocks until the per-key queue slot has run, so the
// response reflects what actually happened on the exchange.
func (e *Engine) Dispatch(ctx context.Context, sig *types.Signal) api.Response {
	start := time.Now()
	id := uuid.NewString()
	log := e.logger.With(
		"dispatch_id", id,
		"action", sig.Action,
		"sig_id", sig.SigID,
		"symbol", sig.ProductSymbol,
	)

	resp := e.dispatch(ctx, sig, log)
	resp.DispatchID = id

	outcome := resp.Outcome()
	elapsed := time.Since(start)
	e.metrics.RecordSignal(string(sig.Action), outcome)
	e.metrics.ObserveDispatch(string(sig.Action), elapsed.Seconds())
	e.emit(api.NewEvent("signal", sig.ProductSymbol, id, api.SignalEvent{
		Action:  string(sig.Action),
		SigID:   sig.SigID,
		Seq:     sig.Seq,
		Outcome: outcome,
		Error:   resp.Error,
	}))

	if resp.Error != "" {
		log.Warn("dispatch failed", "error", resp.Error, "elapsed", elapsed)
	} else {
		log.Info("dispatch finished", "outcome", outcome, "elapsed", elapsed)
	}
	return resp
}

func (e *Engine) dispatch(ctx context.Context, sig *types.Signal, log *slog.Logger) api.Response {
	// EXIT and the legacy-only actions are acknowledged, never executed.
	if sig.Action == types.ActionExit {
		return api.Response{OK: true, Ignored: "action not executed"}
	}

	if e.cfg.Webhook.StrictSequence {
		if sig.SigID == "" {
			return api.Response{OK: true, Ignored: "missing sig_id"}
		}
		if !sig.HasSeq || sig.Seq < 0 || sig.Seq > 2 {
			return api.Response{OK: true, Ignored: "missing or invalid seq"}
		}
	}

	// A symbol is required except for an account-wide cancel.
	if sig.ProductSymbol == "" && !(sig.Action == types.ActionCancal && sig.Scope == types.ScopeAll) {
		return errResponse("product_symbol is required")
	}

	fp := state.Fingerprint(sig.SigID, sig.ProductSymbol, sig.Seq, sig.Orders)
	if !e.state.Seen.Admit(fp) {
		e.metrics.RecordDedup()
		log.Info("duplicate delivery dropped", "fingerprint", fp)
		return api.Response{OK: true, Dedup: true}
	}

	key := queue.KeyFor(sig)
	var resp api.Response
	if err := e.queue.Do(ctx, key, func() error {
		resp = e.runChain(ctx, sig, log)
		return nil
	}); err != nil {
		return errResponse("dispatch cancelled while queued: " + err.Error())
	}
	return resp
}

// emit pushes an event to the stream without blocking.
func (e *Engine) emit(evt api.Event) {
	select {
	case e.events <- evt:
	default:
		// Stream consumer can't keep up, drop.
	}
}

// Events returns the stream channel consumed by the API server.
func (e *Engine) Events() <-chan api.Event {
	return e.events
}

// scheduleLearn reads the position back a moment after an entry and feeds
// the observed coins/lots pair to the catalog, off the dispatch path.
func (e *Engine) scheduleLearn(symbol string, lots int) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		time.Sleep(e.learnDelay)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		positions, err := e.client.Positions(ctx)
		if err != nil {
			return
		}
		for _, p := range positions {
			if p.Size == 0 || types.NormalizeSymbol(p.Symbol()) != symbol {
				continue
			}
			raw := math.Abs(float64(p.Size))
			if e.catalog.Learn(ctx, symbol, raw, lots) {
				e.logger.Info("lot multiplier learned from fill",
					"symbol", symbol, "coins", raw, "lots", lots)
			}
			return
		}
	}()
}

// ChainSnapshot lists live chains for /debug/chain.
func (e *Engine) ChainSnapshot() []api.ChainStatus {
	chains := e.state.Chains.Snapshot()
	out := make([]api.ChainStatus, 0, len(chains))
	for _, c := range chains {
		out = append(out, api.ChainStatus{
			Key:         c.Key,
			SigID:       c.SigID,
			Symbol:      c.Symbol,
			AgeSeconds:  time.Since(c.CreatedAt).Seconds(),
			IdleSeconds: time.Since(c.LastTouch).Seconds(),
			Have:        c.Have(),
			Did:         c.Did(),
			CancelNote:  c.CancelNote,
			Done:        c.Done(),
		})
	}
	return out
}

// SeenSnapshot lists the idempotency window for /debug/seen.
func (e *Engine) SeenSnapshot() []api.SeenEntry {
	seen := e.state.Seen.Snapshot()
	out := make([]api.SeenEntry, 0, len(seen))
	for fp, ts := range seen {
		out = append(out, api.SeenEntry{
			Fingerprint: fp,
			AgeSeconds:  time.Since(ts).Seconds(),
		})
	}
	return out
}

// StateSnapshot bundles everything for /debug/state and new stream clients.
func (e *Engine) StateSnapshot() api.StateSnapshot {
	memos := make(map[string]api.MemoStatus)
	for sym, memo := range e.state.Memos.Snapshot() {
		memos[sym] = api.MemoStatus{
			Lots:       memo.Lots,
			Side:       string(memo.Side),
			LotMult:    memo.LotMult,
			AgeSeconds: time.Since(memo.TS).Seconds(),
		}
	}
	return api.StateSnapshot{
		Timestamp:  time.Now(),
		Chains:     e.ChainSnapshot(),
		Seen:       e.SeenSnapshot(),
		Memos:      memos,
		LotMults:   e.catalog.Mults(),
		QueueDepth: e.queue.Busy(),
		Config:     api.NewConfigSummary(e.cfg),
	}
}

func errResponse(msg string) api.Response {
	return api.Response{OK: false, Error: msg}
}
