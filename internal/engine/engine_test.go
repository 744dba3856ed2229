package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"delta-relay/internal/config"
	"delta-relay/internal/flatten"
	"delta-relay/internal/metrics"
	"delta-relay/internal/products"
	"delta-relay/internal/sizing"
	"delta-relay/internal/state"
	"delta-relay/pkg/types"
)

// fakeGateway stands in for the whole exchange REST surface: the engine's
// order placement, the flattener's cancel/close/probe calls, and the product
// catalog's metadata source. Reduce-only orders clear the matching position
// and cancels remove the order row, so flat probes behave like the real
// gateway's.
type fakeGateway struct {
	mu sync.Mutex

	products   []types.Product
	tickers    map[string]types.Ticker
	openOrders []types.Order
	positions  []types.Position

	placed    []types.OrderRequest
	batches   []types.BatchRequest
	cancelled []types.DeleteOrderRequest
	cancelAll int
	closeAll  int

	tickerCalls int
	placeErr    error
	batchErr    error

	// onPlace simulates the fill of a non-reduce-only order.
	onPlace func(g *fakeGateway, req types.OrderRequest)
}

func newGateway() *fakeGateway {
	return &fakeGateway{
		products: []types.Product{
			{ID: 27, Symbol: "ARCUSD", State: "live", ContractValue: "10"},
			{ID: 139, Symbol: "BTCUSD", State: "live", ContractValue: "0.001"},
			{ID: 301, Symbol: "PEPEUSD", State: "live", ContractValue: "1000"},
		},
		tickers: map[string]types.Ticker{
			"ARCUSD": {Symbol: "ARCUSD", SpotPrice: 2},
		},
	}
}

func (g *fakeGateway) Products(context.Context) ([]types.Product, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.products, nil
}

func (g *fakeGateway) Ticker(_ context.Context, symbol string) (*types.Ticker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tickerCalls++
	t, ok := g.tickers[symbol]
	if !ok {
		return nil, errors.New("no ticker for " + symbol)
	}
	return &t, nil
}

func (g *fakeGateway) OrdersPage(_ context.Context, _, _ string) ([]types.Order, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.Order(nil), g.openOrders...), "", nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, req types.DeleteOrderRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, req)
	kept := g.openOrders[:0]
	for _, row := range g.openOrders {
		if row.ID != req.ID {
			kept = append(kept, row)
		}
	}
	g.openOrders = kept
	return nil
}

func (g *fakeGateway) CancelAllOrders(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelAll++
	g.openOrders = nil
	return nil
}

func (g *fakeGateway) CloseAllPositions(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closeAll++
	g.positions = nil
	return nil
}

func (g *fakeGateway) Positions(context.Context) ([]types.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.Position(nil), g.positions...), nil
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.Order, error) {
	g.mu.Lock()
	if g.placeErr != nil {
		g.mu.Unlock()
		return nil, g.placeErr
	}
	g.placed = append(g.placed, req)
	if req.ReduceOnly {
		kept := g.positions[:0]
		for _, p := range g.positions {
			if !strings.EqualFold(types.NormalizeSymbol(p.Symbol()), types.NormalizeSymbol(req.ProductSymbol)) {
				kept = append(kept, p)
			}
		}
		g.positions = kept
	}
	fill := g.onPlace
	id := int64(len(g.placed))
	g.mu.Unlock()

	if fill != nil && !req.ReduceOnly {
		fill(g, req)
	}
	return &types.Order{ID: id, ProductSymbol: req.ProductSymbol}, nil
}

func (g *fakeGateway) PlaceBatch(_ context.Context, req types.BatchRequest) ([]types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.batchErr != nil {
		return nil, g.batchErr
	}
	g.batches = append(g.batches, req)
	out := make([]types.Order, len(req.Orders))
	for i := range req.Orders {
		out[i] = types.Order{ID: int64(i + 1), ProductID: req.ProductID}
	}
	return out, nil
}

// fillPosition returns an onPlace hook that books a single position of the
// given signed size (coins or lots, whatever the test wants the row to read).
func fillPosition(size float64) func(*fakeGateway, types.OrderRequest) {
	return func(g *fakeGateway, req types.OrderRequest) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.positions = []types.Position{{
			ProductID:     req.ProductID,
			ProductSymbol: req.ProductSymbol,
			Size:          types.FlexFloat(size),
		}}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boolPtr(v bool) *bool { return &v }

func newTestEngine(t *testing.T, gw *fakeGateway, mutate func(*config.Config)) *Engine {
	t.Helper()

	cfg := config.Config{
		Exchange: config.ExchangeConfig{ProductsTTL: time.Minute},
		Webhook:  config.WebhookConfig{StrictSequence: true},
		Sizing: config.SizingConfig{
			DefaultLeverage: 10,
			FxINRPerUSD:     84,
			MarginBufferPct: 0.03,
			MaxLotsPerOrder: 1000,
		},
		Flatten: config.FlattenConfig{
			PollInterval:       2 * time.Millisecond,
			Timeout:            30 * time.Millisecond,
			ForceCancelOrders:  true,
			ForceClosePosition: true,
		},
		Chain: config.ChainConfig{
			Window:            2 * time.Second,
			TTL:               5 * time.Second,
			AutoCancelOnEnter: true,
			FastEnter:         true,
			FastEnterWait:     5 * time.Millisecond,
			FastEnterRetry:    10 * time.Millisecond,
			SeenTTL:           time.Minute,
			SeenCap:           300,
			SeenTrim:          200,
			MemoTTL:           15 * time.Second,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := quietLogger()
	catalog := products.NewCatalog(gw, cfg.Exchange.ProductsTTL, logger)
	flat := flatten.New(gw, catalog, sizing.New(cfg.Sizing), cfg.Flatten, logger)
	eng := New(cfg, gw, catalog, flat, state.New(cfg.Chain, logger), metrics.New(), logger)
	eng.learnDelay = time.Millisecond
	t.Cleanup(eng.Close)
	return eng
}

func cancalSig(sigID, symbol string) *types.Signal {
	return &types.Signal{
		Action: types.ActionCancal, SigID: sigID, Seq: 0, HasSeq: true,
		ProductSymbol: types.NormalizeSymbol(symbol), Scope: types.ScopeSymbol,
	}
}

func enterSig(sigID, symbol string, side types.Side) *types.Signal {
	return &types.Signal{
		Action: types.ActionEnter, SigID: sigID, Seq: 1, HasSeq: true,
		ProductSymbol: types.NormalizeSymbol(symbol), Side: side, Scope: types.ScopeSymbol,
	}
}

func batchSig(sigID, symbol string, legs ...types.TPLeg) *types.Signal {
	return &types.Signal{
		Action: types.ActionBatchTPs, SigID: sigID, Seq: 2, HasSeq: true,
		ProductSymbol: types.NormalizeSymbol(symbol), Orders: legs, Scope: types.ScopeSymbol,
	}
}

func TestChainHappyPathLong(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.onPlace = fillPosition(480) // 48 lots × 10 coins
	eng := newTestEngine(t, gw, nil)
	ctx := context.Background()

	resp := eng.Dispatch(ctx, cancalSig("ABC123", "BINANCE:ARCUSD.P"))
	if !resp.OK || resp.Queued != "waiting_for_ENTER" {
		t.Fatalf("cancal leg: %+v", resp)
	}
	if resp.DispatchID == "" {
		t.Fatal("dispatch id missing")
	}
	if len(resp.Progressed) != 1 || resp.Progressed[0].Step != "CANCAL" {
		t.Fatalf("progressed = %+v", resp.Progressed)
	}
	if len(gw.placed) != 0 {
		t.Fatalf("flatten on an empty book placed %d orders", len(gw.placed))
	}

	enter := enterSig("ABC123", "BINANCE:ARCUSD.P", types.Buy)
	enter.Amount, enter.AmountCcy, enter.Leverage, enter.Entry = 100, "USD", 10, 2.0
	resp = eng.Dispatch(ctx, enter)
	if !resp.OK || resp.Queued != "waiting_for_BATCH_TPS" {
		t.Fatalf("enter leg: %+v", resp)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("expected 1 entry order, got %d", len(gw.placed))
	}
	// 100 USD × 10x × 0.97 buffer / 2.00 / 10 coins-per-lot = 48.5 → 48.
	got := gw.placed[0]
	if got.ProductSymbol != "ARCUSD" || got.Size != 48 || got.Side != types.Buy || got.OrderType != "market_order" {
		t.Fatalf("entry order = %+v", got)
	}
	if memo, ok := eng.state.Memos.Get("ARCUSD"); !ok || memo.Lots != 48 || memo.Side != types.Buy {
		t.Fatalf("entry memo = %+v ok=%v", memo, ok)
	}

	resp = eng.Dispatch(ctx, batchSig("ABC123", "BINANCE:ARCUSD.P",
		types.TPLeg{LimitPrice: "2.10", Size: 30},
		types.TPLeg{LimitPrice: "2.25", Size: 20},
	))
	if !resp.OK || resp.Status != "done" {
		t.Fatalf("batch leg: %+v", resp)
	}
	if len(resp.Did) != 3 {
		t.Fatalf("did = %v", resp.Did)
	}
	if len(gw.batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(gw.batches))
	}
	batch := gw.batches[0]
	if batch.ProductID != 27 || len(batch.Orders) != 2 {
		t.Fatalf("batch = %+v", batch)
	}
	// 30 and 20 coins on a 10-coin contract are 3 and 2 lots, sold reduce-only.
	for i, wantLots := range []int{3, 2} {
		leg := batch.Orders[i]
		if leg.Size != wantLots || leg.Side != types.Sell || !leg.ReduceOnly || leg.OrderType != "limit_order" {
			t.Fatalf("leg %d = %+v", i, leg)
		}
		if len(leg.ClientOrderID) == 0 || len(leg.ClientOrderID) > 32 {
			t.Fatalf("leg %d client id %q out of bounds", i, leg.ClientOrderID)
		}
	}
	if batch.Orders[0].LimitPrice != "2.10" || batch.Orders[1].LimitPrice != "2.25" {
		t.Fatalf("limit prices not forwarded: %+v", batch.Orders)
	}
}

func TestOutOfOrderEnterQueuesWithoutAutoCancel(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.onPlace = fillPosition(40)
	eng := newTestEngine(t, gw, func(c *config.Config) { c.Chain.AutoCancelOnEnter = false })
	ctx := context.Background()

	enter := enterSig("S2", "ARCUSD", types.Buy)
	enter.Qty = 4
	resp := eng.Dispatch(ctx, enter)
	if !resp.OK || resp.Queued != "waiting_for_CANCAL" {
		t.Fatalf("enter before cancal: %+v", resp)
	}
	if len(gw.placed) != 0 || gw.cancelAll != 0 || gw.closeAll != 0 || len(gw.cancelled) != 0 {
		t.Fatal("queued enter must not touch the exchange")
	}

	resp = eng.Dispatch(ctx, cancalSig("S2", "ARCUSD"))
	if !resp.OK || resp.Queued != "waiting_for_BATCH_TPS" {
		t.Fatalf("cancal catch-up: %+v", resp)
	}
	if len(resp.Progressed) != 2 || resp.Progressed[0].Step != "CANCAL" || resp.Progressed[1].Step != "ENTER" {
		t.Fatalf("progressed = %+v", resp.Progressed)
	}
	if len(gw.placed) != 1 || gw.placed[0].Size != 4 {
		t.Fatalf("buffered enter should place 4 lots, placed = %+v", gw.placed)
	}

	resp = eng.Dispatch(ctx, batchSig("S2", "ARCUSD",
		types.TPLeg{LimitPrice: "2.10", Size: 2},
		types.TPLeg{LimitPrice: "2.20", Size: 2},
	))
	if !resp.OK || resp.Status != "done" {
		t.Fatalf("batch catch-up: %+v", resp)
	}
}

func TestCancelWaivedWhenLaterLegArrives(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.onPlace = fillPosition(40)
	eng := newTestEngine(t, gw, func(c *config.Config) { c.Chain.AutoCancelOnEnter = false })
	ctx := context.Background()

	enter := enterSig("W1", "ARCUSD", types.Buy)
	enter.Qty = 4
	if resp := eng.Dispatch(ctx, enter); resp.Queued != "waiting_for_CANCAL" {
		t.Fatalf("enter should queue: %+v", resp)
	}

	// The batch leg finds the enter buffered and no CANCAL ever came. The
	// cancel step is waived so the chain can still finish.
	resp := eng.Dispatch(ctx, batchSig("W1", "ARCUSD", types.TPLeg{LimitPrice: "2.10", Size: 4}))
	if !resp.OK || resp.Status != "done" {
		t.Fatalf("batch should complete the chain: %+v", resp)
	}
	if len(resp.Progressed) != 3 || resp.Progressed[0].Status != "skipped" {
		t.Fatalf("progressed = %+v", resp.Progressed)
	}
	if gw.cancelAll != 0 || len(gw.cancelled) != 0 {
		t.Fatal("waived cancel must not touch orders")
	}

	rows := eng.ChainSnapshot()
	if len(rows) != 1 || rows[0].CancelNote != "skipped" {
		t.Fatalf("chain rows = %+v", rows)
	}
}

func TestAutoCancelSynthesizedFromEnter(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.openOrders = []types.Order{{ID: 7, ProductID: 27, ProductSymbol: "ARCUSD", State: "open"}}
	gw.positions = []types.Position{{ProductID: 27, ProductSymbol: "ARCUSD", Size: 2}}
	eng := newTestEngine(t, gw, nil)

	enter := enterSig("AUTO1", "ARCUSD", types.Buy)
	enter.Qty = 3
	resp := eng.Dispatch(context.Background(), enter)
	if !resp.OK || resp.Queued != "waiting_for_BATCH_TPS" {
		t.Fatalf("auto-cancel enter: %+v", resp)
	}
	if len(resp.Progressed) != 2 {
		t.Fatalf("progressed = %+v", resp.Progressed)
	}
	cancal := resp.Progressed[0]
	if cancal.Step != "CANCAL" || cancal.Note != "auto" || cancal.Cancelled != 1 || cancal.Closed != 2 {
		t.Fatalf("synthesized cancel = %+v", cancal)
	}

	// One reduce-only close for the stale position, then the entry itself.
	if len(gw.placed) != 2 {
		t.Fatalf("placed = %+v", gw.placed)
	}
	if !gw.placed[0].ReduceOnly || gw.placed[0].Side != types.Sell {
		t.Fatalf("close order = %+v", gw.placed[0])
	}
	if gw.placed[1].ReduceOnly || gw.placed[1].Size != 3 {
		t.Fatalf("entry order = %+v", gw.placed[1])
	}
}

func TestChainExpiresPastWindow(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	eng := newTestEngine(t, gw, func(c *config.Config) { c.Chain.Window = 40 * time.Millisecond })
	ctx := context.Background()

	if resp := eng.Dispatch(ctx, cancalSig("OLD1", "ARCUSD")); !resp.OK {
		t.Fatalf("first leg: %+v", resp)
	}

	time.Sleep(60 * time.Millisecond)

	enter := enterSig("OLD1", "ARCUSD", types.Buy)
	enter.Qty = 2
	resp := eng.Dispatch(ctx, enter)
	if resp.OK || !strings.Contains(resp.Error, "chain_expired") {
		t.Fatalf("late leg should expire the chain: %+v", resp)
	}
	if len(gw.placed) != 0 {
		t.Fatal("expired chain must not place orders")
	}
}

func TestChainExpiresWhenWindowEqualsTTL(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	eng := newTestEngine(t, gw, func(c *config.Config) {
		c.Chain.Window = 40 * time.Millisecond
		c.Chain.TTL = 40 * time.Millisecond
	})
	ctx := context.Background()

	if resp := eng.Dispatch(ctx, cancalSig("OLD2", "ARCUSD")); !resp.OK {
		t.Fatalf("first leg: %+v", resp)
	}

	// Idle past the TTL and past the window. The record must keep its
	// creation time so the window check fires on the late leg.
	time.Sleep(60 * time.Millisecond)

	enter := enterSig("OLD2", "ARCUSD", types.Buy)
	enter.Qty = 2
	resp := eng.Dispatch(ctx, enter)
	if resp.OK || !strings.Contains(resp.Error, "chain_expired") {
		t.Fatalf("late leg should expire the chain: %+v", resp)
	}
	if len(gw.placed) != 0 {
		t.Fatal("expired chain must not place orders")
	}
}

func TestDuplicateDeliveryDropped(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	eng := newTestEngine(t, gw, nil)
	ctx := context.Background()

	enter := enterSig("DUP1", "ARCUSD", types.Buy)
	enter.Qty = 2
	if resp := eng.Dispatch(ctx, enter); !resp.OK || resp.Dedup {
		t.Fatalf("first delivery: %+v", resp)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("expected one entry, got %d", len(gw.placed))
	}

	replay := enterSig("DUP1", "ARCUSD", types.Buy)
	replay.Qty = 2
	resp := eng.Dispatch(ctx, replay)
	if !resp.OK || !resp.Dedup {
		t.Fatalf("replay should dedup: %+v", resp)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("replay placed an order: %+v", gw.placed)
	}
}

func TestStrictModeAcknowledgesAndIgnores(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		sig  *types.Signal
		want string
	}{
		{
			"missing sig_id",
			&types.Signal{Action: types.ActionCancal, Seq: 0, HasSeq: true, ProductSymbol: "ARCUSD", Scope: types.ScopeSymbol},
			"missing sig_id",
		},
		{
			"missing seq",
			&types.Signal{Action: types.ActionEnter, SigID: "A", ProductSymbol: "ARCUSD", Side: types.Buy, Scope: types.ScopeSymbol},
			"missing or invalid seq",
		},
		{
			"seq out of range",
			&types.Signal{Action: types.ActionEnter, SigID: "A", Seq: 3, HasSeq: true, ProductSymbol: "ARCUSD", Side: types.Buy, Scope: types.ScopeSymbol},
			"missing or invalid seq",
		},
		{
			"exit acknowledged",
			&types.Signal{Action: types.ActionExit, ProductSymbol: "ARCUSD", Scope: types.ScopeSymbol},
			"action not executed",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			gw := newGateway()
			eng := newTestEngine(t, gw, nil)

			resp := eng.Dispatch(context.Background(), tc.sig)
			if !resp.OK || resp.Ignored != tc.want {
				t.Fatalf("resp = %+v, want ignored %q", resp, tc.want)
			}
			if len(gw.placed) != 0 || len(gw.cancelled) != 0 || gw.cancelAll != 0 {
				t.Fatal("ignored delivery must not touch the exchange")
			}
		})
	}
}

func TestLaxModeRunsWithoutSigID(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	eng := newTestEngine(t, gw, func(c *config.Config) { c.Webhook.StrictSequence = false })

	sig := cancalSig("", "ARCUSD")
	sig.HasSeq = false
	resp := eng.Dispatch(context.Background(), sig)
	if !resp.OK || resp.Queued != "waiting_for_ENTER" {
		t.Fatalf("lax cancal: %+v", resp)
	}
}

func TestSymbolRequiredExceptGlobalCancel(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	eng := newTestEngine(t, gw, nil)
	ctx := context.Background()

	bare := cancalSig("NOSYM", "")
	resp := eng.Dispatch(ctx, bare)
	if resp.OK || !strings.Contains(resp.Error, "product_symbol is required") {
		t.Fatalf("symbol-less cancal: %+v", resp)
	}

	global := cancalSig("NOSYM", "")
	global.Scope = types.ScopeAll
	resp = eng.Dispatch(ctx, global)
	if !resp.OK || resp.Queued != "waiting_for_ENTER" {
		t.Fatalf("global cancal: %+v", resp)
	}
	if gw.cancelAll != 1 || gw.closeAll != 1 {
		t.Fatalf("global flatten calls = %d/%d", gw.cancelAll, gw.closeAll)
	}
}

func TestRequireFlatTimeoutDoesNotAdvance(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.positions = []types.Position{{ProductID: 27, ProductSymbol: "ARCUSD", Size: 5}}
	eng := newTestEngine(t, gw, func(c *config.Config) {
		// The synthesized cancel is a no-op here, so the stale position stays
		// and the flat gate has to give up.
		c.Flatten.ForceCancelOrders = false
		c.Flatten.ForceClosePosition = false
	})

	enter := enterSig("RF1", "ARCUSD", types.Buy)
	enter.Qty = 3
	resp := eng.Dispatch(context.Background(), enter)
	if resp.OK || !strings.Contains(resp.Error, "require_flat_timeout") {
		t.Fatalf("gated enter: %+v", resp)
	}
	if len(gw.placed) != 0 {
		t.Fatal("timed-out enter must not place")
	}

	rows := eng.ChainSnapshot()
	if len(rows) != 1 {
		t.Fatalf("chain rows = %+v", rows)
	}
	for _, step := range rows[0].Did {
		if step == "ENTER" {
			t.Fatal("enter flag must not advance past a flat-gate timeout")
		}
	}
}

func TestRequireFlatOptOut(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.positions = []types.Position{{ProductID: 27, ProductSymbol: "ARCUSD", Size: 5}}
	eng := newTestEngine(t, gw, func(c *config.Config) {
		c.Flatten.ForceCancelOrders = false
		c.Flatten.ForceClosePosition = false
	})

	enter := enterSig("RF2", "ARCUSD", types.Buy)
	enter.Qty = 3
	enter.RequireFlat = boolPtr(false)
	resp := eng.Dispatch(context.Background(), enter)
	if !resp.OK || resp.Queued != "waiting_for_BATCH_TPS" {
		t.Fatalf("opt-out enter: %+v", resp)
	}
	if len(gw.placed) != 1 || gw.placed[0].Size != 3 {
		t.Fatalf("placed = %+v", gw.placed)
	}
}

func TestEntrySizingPrecedence(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	eng := newTestEngine(t, gw, nil)
	ctx := context.Background()

	// 100 USD at 10x with the 3% buffer on a $2.00 10-coin contract is 48 lots.
	mk := func(sigID string, qty int, amount float64, ccy string, entry float64) *types.Signal {
		sig := enterSig(sigID, "ARCUSD", types.Buy)
		sig.Qty, sig.Amount, sig.AmountCcy, sig.Leverage, sig.Entry = qty, amount, ccy, 10, entry
		return sig
	}

	for i, tc := range []struct {
		sig  *types.Signal
		want int
	}{
		{mk("SZ1", 10, 100, "USD", 2.0), 10},  // qty under budget: qty wins
		{mk("SZ2", 100, 100, "USD", 2.0), 48}, // qty over budget: budget caps
		{mk("SZ3", 0, 100, "USD", 0), 48},     // no entry hint: ticker resolves
		{mk("SZ4", 0, 8400, "INR", 2.0), 48},  // INR converts at the configured fx
	} {
		resp := eng.Dispatch(ctx, tc.sig)
		if !resp.OK || resp.Error != "" {
			t.Fatalf("case %d: %+v", i, resp)
		}
		if got := gw.placed[i].Size; got != tc.want {
			t.Fatalf("case %d placed %d lots, want %d", i, got, tc.want)
		}
	}
	if gw.tickerCalls != 1 {
		t.Fatalf("ticker calls = %d, want 1", gw.tickerCalls)
	}

	resp := eng.Dispatch(ctx, enterSig("SZ5", "ARCUSD", types.Buy))
	if resp.OK || !strings.Contains(resp.Error, "qty or an amount budget") {
		t.Fatalf("sizeless enter: %+v", resp)
	}
}

func TestEnterRequiresSide(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	eng := newTestEngine(t, gw, nil)

	enter := enterSig("NOSIDE", "ARCUSD", "")
	enter.Qty = 1
	resp := eng.Dispatch(context.Background(), enter)
	if resp.OK || !strings.Contains(resp.Error, "side") {
		t.Fatalf("sideless enter: %+v", resp)
	}
}

func TestPlaceEntryErrorSurfaces(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.placeErr = errors.New("insufficient margin")
	eng := newTestEngine(t, gw, nil)

	enter := enterSig("ERR1", "ARCUSD", types.Buy)
	enter.Qty = 2
	resp := eng.Dispatch(context.Background(), enter)
	if resp.OK || !strings.Contains(resp.Error, "insufficient margin") {
		t.Fatalf("entry error: %+v", resp)
	}

	rows := eng.ChainSnapshot()
	if len(rows) != 1 || rows[0].Done {
		t.Fatalf("chain rows = %+v", rows)
	}
	for _, step := range rows[0].Did {
		if step == "ENTER" {
			t.Fatal("failed place must not advance the enter flag")
		}
	}
}

func TestBatchRequiresOpenPosition(t *testing.T) {
	t.Parallel()

	// No onPlace hook: the entry never shows up as a position.
	gw := newGateway()
	eng := newTestEngine(t, gw, nil)
	ctx := context.Background()

	enter := enterSig("NP1", "ARCUSD", types.Buy)
	enter.Qty = 2
	if resp := eng.Dispatch(ctx, enter); !resp.OK {
		t.Fatalf("enter: %+v", resp)
	}

	resp := eng.Dispatch(ctx, batchSig("NP1", "ARCUSD", types.TPLeg{LimitPrice: "2.10", Size: 2}))
	if resp.OK || !strings.Contains(resp.Error, "no open position") {
		t.Fatalf("positionless batch: %+v", resp)
	}
	if len(gw.batches) != 0 {
		t.Fatal("no batch may be sent without a position")
	}
}

func TestBatchClampsLegsToPosition(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.onPlace = fillPosition(10) // 1 lot × 10 coins
	eng := newTestEngine(t, gw, nil)
	ctx := context.Background()

	enter := enterSig("TINY1", "ARCUSD", types.Buy)
	enter.Qty = 1
	if resp := eng.Dispatch(ctx, enter); !resp.OK {
		t.Fatalf("enter: %+v", resp)
	}

	resp := eng.Dispatch(ctx, batchSig("TINY1", "ARCUSD",
		types.TPLeg{LimitPrice: "2.05", Size: 1},
		types.TPLeg{LimitPrice: "2.10", Size: 1},
		types.TPLeg{LimitPrice: "2.15", Size: 1},
	))
	if !resp.OK || resp.Status != "done" {
		t.Fatalf("batch: %+v", resp)
	}
	batch := gw.batches[0]
	if len(batch.Orders) != 1 || batch.Orders[0].Size != 1 {
		t.Fatalf("1-lot position must collapse to one 1-lot leg: %+v", batch.Orders)
	}
	if batch.Orders[0].LimitPrice != "2.05" {
		t.Fatalf("surviving leg should keep the first price: %+v", batch.Orders[0])
	}
}

func TestBatchThousandCoinContract(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.onPlace = fillPosition(5000) // 5 lots × 1000 coins
	eng := newTestEngine(t, gw, nil)
	ctx := context.Background()

	enter := enterSig("PEPE1", "PEPEUSD", types.Buy)
	enter.Qty = 5
	if resp := eng.Dispatch(ctx, enter); !resp.OK {
		t.Fatalf("enter: %+v", resp)
	}

	resp := eng.Dispatch(ctx, batchSig("PEPE1", "PEPEUSD",
		types.TPLeg{LimitPrice: "0.000013", Size: 3000},
		types.TPLeg{LimitPrice: "0.000014", Size: 2000},
	))
	if !resp.OK || resp.Status != "done" {
		t.Fatalf("batch: %+v", resp)
	}
	batch := gw.batches[0]
	if batch.ProductID != 301 {
		t.Fatalf("product id = %d", batch.ProductID)
	}
	if batch.Orders[0].Size != 3 || batch.Orders[1].Size != 2 {
		t.Fatalf("coin sizes must normalize to 3 and 2 lots: %+v", batch.Orders)
	}
}

func TestBatchShortPositionBuysToClose(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.onPlace = fillPosition(-40)
	eng := newTestEngine(t, gw, nil)
	ctx := context.Background()

	enter := enterSig("SHORT1", "ARCUSD", types.Sell)
	enter.Qty = 4
	if resp := eng.Dispatch(ctx, enter); !resp.OK {
		t.Fatalf("enter: %+v", resp)
	}

	resp := eng.Dispatch(ctx, batchSig("SHORT1", "ARCUSD",
		types.TPLeg{LimitPrice: "1.90", Size: 2},
		types.TPLeg{LimitPrice: "1.80", Size: 2},
	))
	if !resp.OK || resp.Status != "done" {
		t.Fatalf("batch: %+v", resp)
	}
	for i, leg := range gw.batches[0].Orders {
		if leg.Side != types.Buy || !leg.ReduceOnly {
			t.Fatalf("short close leg %d = %+v", i, leg)
		}
	}
}

func TestBatchClientOrderIDs(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.onPlace = fillPosition(50)
	eng := newTestEngine(t, gw, nil)
	ctx := context.Background()

	enter := enterSig("CID1", "ARCUSD", types.Buy)
	enter.Qty = 5
	if resp := eng.Dispatch(ctx, enter); !resp.OK {
		t.Fatalf("enter: %+v", resp)
	}

	resp := eng.Dispatch(ctx, batchSig("CID1", "ARCUSD",
		types.TPLeg{LimitPrice: "2.10", Size: 2, ClientOrderID: "mytag"},
		types.TPLeg{LimitPrice: "2.25", Size: 3, ClientOrderID: strings.Repeat("x", 40)},
	))
	if !resp.OK {
		t.Fatalf("batch: %+v", resp)
	}
	legs := gw.batches[0].Orders
	if legs[0].ClientOrderID != "mytag" {
		t.Fatalf("short caller id must be kept: %+v", legs[0])
	}
	if len(legs[1].ClientOrderID) > 32 || !strings.HasPrefix(legs[1].ClientOrderID, "T1ARCUSD_") {
		t.Fatalf("oversized caller id must be replaced: %q", legs[1].ClientOrderID)
	}
}

func TestBatchErrorDoesNotAdvance(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.onPlace = fillPosition(20)
	gw.batchErr = errors.New("gateway 503")
	eng := newTestEngine(t, gw, nil)
	ctx := context.Background()

	enter := enterSig("BERR1", "ARCUSD", types.Buy)
	enter.Qty = 2
	if resp := eng.Dispatch(ctx, enter); !resp.OK {
		t.Fatalf("enter: %+v", resp)
	}

	resp := eng.Dispatch(ctx, batchSig("BERR1", "ARCUSD", types.TPLeg{LimitPrice: "2.10", Size: 2}))
	if resp.OK || !strings.Contains(resp.Error, "gateway 503") {
		t.Fatalf("batch error: %+v", resp)
	}
	for _, row := range eng.ChainSnapshot() {
		for _, step := range row.Did {
			if step == "BATCH_TPS" {
				t.Fatal("failed batch must not advance the flag")
			}
		}
	}
}

func TestLearnsLotMultiplierFromFill(t *testing.T) {
	t.Parallel()

	// Metadata claims 8 coins per lot, the fill reveals 10.
	gw := newGateway()
	gw.products = []types.Product{{ID: 27, Symbol: "ARCUSD", State: "live", ContractValue: "8"}}
	gw.onPlace = fillPosition(480)
	eng := newTestEngine(t, gw, nil)

	enter := enterSig("LEARN1", "ARCUSD", types.Buy)
	enter.Qty = 48
	if resp := eng.Dispatch(context.Background(), enter); !resp.OK {
		t.Fatalf("enter: %+v", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if m := eng.catalog.Mults()["ARCUSD"]; m == 10 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("multiplier not learned, mults = %v", eng.catalog.Mults())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsCoverDispatchLifecycle(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.onPlace = fillPosition(20)
	eng := newTestEngine(t, gw, nil)
	ctx := context.Background()

	enter := enterSig("EV1", "ARCUSD", types.Buy)
	enter.Qty = 2
	if resp := eng.Dispatch(ctx, enter); !resp.OK {
		t.Fatalf("enter: %+v", resp)
	}
	if resp := eng.Dispatch(ctx, batchSig("EV1", "ARCUSD", types.TPLeg{LimitPrice: "2.10", Size: 2})); !resp.OK {
		t.Fatalf("batch: %+v", resp)
	}

	got := map[string]int{}
drain:
	for {
		select {
		case evt := <-eng.Events():
			got[evt.Type]++
		default:
			break drain
		}
	}
	for _, want := range []string{"signal", "order", "batch", "flatten"} {
		if got[want] == 0 {
			t.Fatalf("no %q event emitted, got %v", want, got)
		}
	}
	if got["signal"] != 2 {
		t.Fatalf("expected one signal event per dispatch, got %d", got["signal"])
	}
}

func TestStateSnapshotShape(t *testing.T) {
	t.Parallel()

	gw := newGateway()
	gw.onPlace = fillPosition(20)
	eng := newTestEngine(t, gw, nil)

	enter := enterSig("SNAP1", "ARCUSD", types.Buy)
	enter.Qty = 2
	if resp := eng.Dispatch(context.Background(), enter); !resp.OK {
		t.Fatalf("enter: %+v", resp)
	}

	snap := eng.StateSnapshot()
	if len(snap.Chains) != 1 || snap.Chains[0].SigID != "SNAP1" {
		t.Fatalf("chains = %+v", snap.Chains)
	}
	if len(snap.Seen) != 1 {
		t.Fatalf("seen = %+v", snap.Seen)
	}
	if memo, ok := snap.Memos["ARCUSD"]; !ok || memo.Lots != 2 {
		t.Fatalf("memos = %+v", snap.Memos)
	}
	if snap.Config.MaxLotsPerOrder != 1000 {
		t.Fatalf("config summary = %+v", snap.Config)
	}
}
