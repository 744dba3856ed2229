// Package products caches exchange instrument metadata and resolves the lot
// multiplier (coins per lot) for each product.
//
// The exchange reports contract size in a handful of loosely-typed fields
// (lot_size, contract_size, contract_value, contract_unit), sometimes with
// unit text mixed in ("0.001 BTC", "10 ARC"). The catalog parses the first
// numeric token out of the first well-formed field, falls back to qty_step
// when that reads like a lot count, and defaults to 1.
//
// Metadata disagrees with runtime units on some products, so the catalog also
// accepts corrections learned from observed positions: after an entry fills,
// coins-held divided by lots-sent implies the true multiplier, which replaces
// the metadata value when it passes sanity checks.
package products

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"delta-relay/pkg/types"
)

// Source lists products from the exchange. *exchange.Client satisfies it.
type Source interface {
	Products(ctx context.Context) ([]types.Product, error)
}

// multEntry is one resolved multiplier with its resolution time.
type multEntry struct {
	m       float64
	ts      time.Time
	learned bool
}

// Catalog is the process-wide product metadata cache. The snapshot refreshes
// at most once per TTL; lookups between refreshes are served from memory.
type Catalog struct {
	source Source
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	bySymbol  map[string]types.Product
	fetchedAt time.Time
	mults     map[string]multEntry // resolved lot multipliers per symbol
}

// NewCatalog creates a catalog. ttl bounds how often the product list is
// refetched; zero or negative means the 5-minute default.
func NewCatalog(source Source, ttl time.Duration, logger *slog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{
		source:   source,
		ttl:      ttl,
		logger:   logger.With("component", "products"),
		bySymbol: make(map[string]types.Product),
		mults:    make(map[string]multEntry),
	}
}

// Product returns the metadata row for a symbol, refreshing the snapshot
// first when it has gone stale. A symbol missing from a fresh snapshot is an
// error; a refresh failure falls back to the stale row if one exists.
func (c *Catalog) Product(ctx context.Context, symbol string) (*types.Product, error) {
	symbol = types.NormalizeSymbol(symbol)

	c.mu.Lock()
	p, ok := c.bySymbol[symbol]
	stale := time.Since(c.fetchedAt) >= c.ttl
	c.mu.Unlock()

	if ok && !stale {
		return &p, nil
	}
	if stale {
		if err := c.refresh(ctx); err != nil {
			if ok {
				c.logger.Warn("serving stale product metadata", "symbol", symbol, "error", err)
				return &p, nil
			}
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok = c.bySymbol[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown product %q", symbol)
	}
	return &p, nil
}

// ProductID resolves the numeric product id for a symbol.
func (c *Catalog) ProductID(ctx context.Context, symbol string) (int, error) {
	p, err := c.Product(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if p.ID == 0 {
		return 0, fmt.Errorf("product %s has no id", types.NormalizeSymbol(symbol))
	}
	return p.ID, nil
}

// LotMult returns coins-per-lot for a symbol. Resolution order: a cached
// value inside its TTL (possibly learned), then exchange metadata, then 1.
// Never fails; an unresolvable symbol trades at multiplier 1.
func (c *Catalog) LotMult(ctx context.Context, symbol string) float64 {
	symbol = types.NormalizeSymbol(symbol)

	c.mu.Lock()
	if e, ok := c.mults[symbol]; ok && time.Since(e.ts) < c.ttl {
		c.mu.Unlock()
		return e.m
	}
	c.mu.Unlock()

	m := 1.0
	if p, err := c.Product(ctx, symbol); err == nil {
		m = metaLotMult(p)
	} else {
		c.logger.Warn("lot multiplier defaulting to 1", "symbol", symbol, "error", err)
	}

	c.mu.Lock()
	c.mults[symbol] = multEntry{m: m, ts: time.Now()}
	c.mu.Unlock()
	return m
}

// Learn corrects the cached multiplier from an observed fill: coins is the
// position magnitude the exchange reported, lots is what was just sent. The
// implied multiplier is accepted only when it looks like a real contract size
// (integer-near, or a sub-unit fraction) and stays within 50% of what the
// metadata claims. Returns whether the correction was applied.
func (c *Catalog) Learn(ctx context.Context, symbol string, coins float64, lots int) bool {
	symbol = types.NormalizeSymbol(symbol)
	if lots <= 0 {
		return false
	}
	implied := math.Abs(coins) / float64(lots)
	if implied <= 0 || math.IsInf(implied, 0) || math.IsNaN(implied) {
		return false
	}

	integerNear := math.Abs(implied-math.Round(implied)) <= 0.01 && math.Round(implied) >= 1
	fractional := implied < 1
	if !integerNear && !fractional {
		c.logger.Warn("lot multiplier learning rejected: odd shape",
			"symbol", symbol, "implied", implied, "coins", coins, "lots", lots)
		return false
	}

	meta := 1.0
	if p, err := c.Product(ctx, symbol); err == nil {
		meta = metaLotMult(p)
	}
	if implied < meta*0.5 || implied > meta*1.5 {
		c.logger.Warn("lot multiplier learning rejected: far from metadata",
			"symbol", symbol, "implied", implied, "metadata", meta)
		return false
	}

	if integerNear {
		implied = math.Round(implied)
	}

	c.mu.Lock()
	c.mults[symbol] = multEntry{m: implied, ts: time.Now(), learned: true}
	c.mu.Unlock()
	c.logger.Info("lot multiplier learned", "symbol", symbol, "m", implied, "metadata", meta)
	return true
}

// Mults returns a copy of the resolved multipliers, for the debug endpoints.
func (c *Catalog) Mults() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.mults))
	for sym, e := range c.mults {
		out[sym] = e.m
	}
	return out
}

// LastRefresh returns when the product snapshot was last fetched.
func (c *Catalog) LastRefresh() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchedAt
}

// Warm fetches the snapshot eagerly so the first dispatch does not pay for
// it. Optional; lookups fetch on demand either way.
func (c *Catalog) Warm(ctx context.Context) error {
	return c.refresh(ctx)
}

// refresh pulls the product list and rebuilds the symbol index.
func (c *Catalog) refresh(ctx context.Context) error {
	rows, err := c.source.Products(ctx)
	if err != nil {
		return fmt.Errorf("refresh products: %w", err)
	}

	bySymbol := make(map[string]types.Product, len(rows))
	for _, p := range rows {
		sym := strings.ToUpper(strings.TrimSpace(p.Symbol))
		if sym == "" {
			continue
		}
		bySymbol[sym] = p
	}

	c.mu.Lock()
	c.bySymbol = bySymbol
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("products refreshed", "count", len(bySymbol))
	return nil
}

// metaLotMult derives coins-per-lot from product metadata: the first field in
// priority order that yields a positive number wins. qty_step only counts
// when it is at least 1 (fractional steps are price-like, not contract size).
func metaLotMult(p *types.Product) float64 {
	for _, f := range []types.FlexString{p.LotSize, p.ContractSize, p.ContractValue, p.ContractUnit} {
		if v, ok := firstNumericToken(string(f)); ok && v > 0 {
			return v
		}
	}
	if v, ok := firstNumericToken(string(p.QtyStep)); ok && v >= 1 {
		return v
	}
	return 1
}

// firstNumericToken extracts the leading number from strings like "10 ARC",
// "0.001 BTC", or a plain "0.1".
func firstNumericToken(s string) (float64, bool) {
	for _, tok := range strings.Fields(s) {
		if v, err := strconv.ParseFloat(strings.TrimSuffix(tok, ","), 64); err == nil {
			return v, true
		}
	}
	return 0, false
}
