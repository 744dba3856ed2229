// Package flatten implements the cancel-and-close primitives behind the
// CANCAL leg and the entry preflight: cancel open orders, close the live
// position with a reduce-only market order, and poll until the account or
// one product reads flat.
package flatten

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"delta-relay/internal/config"
	"delta-relay/internal/sizing"
	"delta-relay/pkg/types"
)

// Order states the exchange considers live. Cancels target the first set;
// flat probes use the wider one so a triggered stop still counts as exposure.
const (
	OpenStates    = "open,pending"
	AllLiveStates = "open,pending,triggered,untriggered"
)

// Exchange is the REST surface flattening needs. *exchange.Client satisfies
// it.
type Exchange interface {
	OrdersPage(ctx context.Context, states, after string) ([]types.Order, string, error)
	CancelOrder(ctx context.Context, req types.DeleteOrderRequest) error
	CancelAllOrders(ctx context.Context) error
	Positions(ctx context.Context) ([]types.Position, error)
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Order, error)
	CloseAllPositions(ctx context.Context) error
}

// Products resolves ids and lot multipliers. *products.Catalog satisfies it.
type Products interface {
	ProductID(ctx context.Context, symbol string) (int, error)
	LotMult(ctx context.Context, symbol string) float64
}

// Options selects what a flatten pass does.
type Options struct {
	CancelOrders  bool
	ClosePosition bool
	FallbackAll   bool // escalate failed per-order cancels to the global cancel
}

// Result reports what a flatten pass did.
type Result struct {
	CancelledOrders int
	ClosedLots      int
	UsedGlobal      bool
}

// Flattener runs the primitives against one exchange account.
type Flattener struct {
	client  Exchange
	catalog Products
	sizer   *sizing.Sizer
	cfg     config.FlattenConfig
	logger  *slog.Logger
}

// New creates a flattener.
func New(client Exchange, catalog Products, sizer *sizing.Sizer, cfg config.FlattenConfig, logger *slog.Logger) *Flattener {
	return &Flattener{
		client:  client,
		catalog: catalog,
		sizer:   sizer,
		cfg:     cfg,
		logger:  logger.With("component", "flatten"),
	}
}

// Symbol flattens one product per the options.
func (f *Flattener) Symbol(ctx context.Context, symbol string, opt Options) (Result, error) {
	symbol = types.NormalizeSymbol(symbol)
	var res Result

	if opt.CancelOrders {
		n, err := f.CancelForSymbol(ctx, symbol, opt.FallbackAll)
		res.CancelledOrders = n
		if err != nil {
			return res, err
		}
	}
	if opt.ClosePosition {
		lots, err := f.ClosePositionForSymbol(ctx, symbol)
		res.ClosedLots = lots
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// All flattens the whole account per the options.
func (f *Flattener) All(ctx context.Context, opt Options) (Result, error) {
	res := Result{UsedGlobal: true}

	if opt.CancelOrders {
		if err := f.client.CancelAllOrders(ctx); err != nil {
			return res, fmt.Errorf("cancel all orders: %w", err)
		}
	}
	if opt.ClosePosition {
		if err := f.client.CloseAllPositions(ctx); err != nil {
			return res, fmt.Errorf("close all positions: %w", err)
		}
	}
	return res, nil
}

// ListAllOpenOrders walks the cursor pagination until the gateway reports no
// further page.
func (f *Flattener) ListAllOpenOrders(ctx context.Context, states string) ([]types.Order, error) {
	var all []types.Order
	after := ""
	for {
		rows, next, err := f.client.OrdersPage(ctx, states, after)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if next == "" || len(rows) == 0 {
			return all, nil
		}
		after = next
	}
}

// CancelForSymbol cancels every open order on the product, one delete per
// order. Returns how many cancels succeeded. When fallbackAll is set and any
// cancel fails, the account-wide cancel runs as a last resort and the
// per-order failures are forgiven.
func (f *Flattener) CancelForSymbol(ctx context.Context, symbol string, fallbackAll bool) (int, error) {
	symbol = types.NormalizeSymbol(symbol)

	rows, err := f.ListAllOpenOrders(ctx, OpenStates)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}

	cancelled := 0
	var failed error
	for _, row := range rows {
		if !strings.EqualFold(types.NormalizeSymbol(row.ProductSymbol), symbol) {
			continue
		}
		req := types.DeleteOrderRequest{
			ID:            row.ID,
			ClientOrderID: row.ClientOrderID,
			ProductID:     row.ProductID,
		}
		if req.ProductID == 0 {
			id, perr := f.catalog.ProductID(ctx, symbol)
			if perr != nil {
				failed = perr
				continue
			}
			req.ProductID = id
		}
		if cerr := f.client.CancelOrder(ctx, req); cerr != nil {
			f.logger.Warn("cancel failed", "symbol", symbol, "id", row.ID, "error", cerr)
			failed = cerr
			continue
		}
		cancelled++
	}

	if failed != nil {
		if fallbackAll {
			f.logger.Warn("escalating to cancel-all", "symbol", symbol, "error", failed)
			if err := f.client.CancelAllOrders(ctx); err != nil {
				return cancelled, fmt.Errorf("cancel-all fallback: %w", err)
			}
			return cancelled, nil
		}
		return cancelled, fmt.Errorf("cancel orders %s: %w", symbol, failed)
	}
	return cancelled, nil
}

// ClosePositionForSymbol sends a reduce-only market order against the live
// position. Returns the lots closed, 0 when already flat.
func (f *Flattener) ClosePositionForSymbol(ctx context.Context, symbol string) (int, error) {
	symbol = types.NormalizeSymbol(symbol)

	positions, err := f.client.Positions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list positions: %w", err)
	}

	row, ok := findPosition(positions, symbol)
	if !ok {
		return 0, nil
	}

	lotMult := f.catalog.LotMult(ctx, symbol)
	units := f.sizer.InferPositionUnits(float64(row.Size), lotMult, positionFacts(row))

	closeSide := types.Sell
	if row.Size < 0 {
		closeSide = types.Buy
	}

	req := types.OrderRequest{
		ProductID:     row.ProductIDResolved(),
		ProductSymbol: symbol,
		Size:          units.Lots,
		Side:          closeSide,
		OrderType:     "market_order",
		ReduceOnly:    true,
	}
	if _, err := f.client.PlaceOrder(ctx, req); err != nil {
		return 0, fmt.Errorf("close position %s: %w", symbol, err)
	}

	f.logger.Info("position closed",
		"symbol", symbol, "side", closeSide, "lots", units.Lots, "units", units.Units)
	return units.Lots, nil
}

// WaitUntilFlat polls until no live orders remain and every position size
// reads zero, or the configured timeout lapses. symbol "" means
// account-wide. Probe errors are swallowed; the return value only says
// whether flat was observed in time.
func (f *Flattener) WaitUntilFlat(ctx context.Context, symbol string) bool {
	return f.WaitUntilFlatFor(ctx, symbol, f.cfg.Timeout)
}

// WaitUntilFlatFor is WaitUntilFlat with an explicit timeout, for callers
// that want a shorter bound than the configured one.
func (f *Flattener) WaitUntilFlatFor(ctx context.Context, symbol string, timeout time.Duration) bool {
	symbol = types.NormalizeSymbol(symbol)
	deadline := time.Now().Add(timeout)

	for {
		if f.isFlat(ctx, symbol) {
			return true
		}
		if time.Now().After(deadline) {
			f.logger.Warn("wait-until-flat timed out", "symbol", symbol, "timeout", timeout)
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(f.cfg.PollInterval):
		}
	}
}

// IsFlat probes once, without waiting. A probe error reads as not flat.
func (f *Flattener) IsFlat(ctx context.Context, symbol string) bool {
	return f.isFlat(ctx, types.NormalizeSymbol(symbol))
}

func (f *Flattener) isFlat(ctx context.Context, symbol string) bool {
	orders, err := f.ListAllOpenOrders(ctx, AllLiveStates)
	if err != nil {
		return false
	}
	for _, row := range orders {
		if symbol == "" || strings.EqualFold(types.NormalizeSymbol(row.ProductSymbol), symbol) {
			return false
		}
	}

	positions, err := f.client.Positions(ctx)
	if err != nil {
		return false
	}
	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		if symbol == "" || strings.EqualFold(types.NormalizeSymbol(p.Symbol()), symbol) {
			return false
		}
	}
	return true
}

// findPosition locates the non-flat row for a symbol.
func findPosition(rows []types.Position, symbol string) (types.Position, bool) {
	for _, p := range rows {
		if p.Size == 0 {
			continue
		}
		if strings.EqualFold(types.NormalizeSymbol(p.Symbol()), symbol) {
			return p, true
		}
	}
	return types.Position{}, false
}

// positionFacts pulls the optional notional and price off the row for the
// units inference. Mark price beats entry price when both are present.
func positionFacts(p types.Position) sizing.PositionFacts {
	facts := sizing.PositionFacts{Notional: float64(p.Notional)}
	if p.MarkPrice != 0 {
		facts.Price = float64(p.MarkPrice)
	} else if p.EntryPrice != 0 {
		facts.Price = float64(p.EntryPrice)
	}
	return facts
}
