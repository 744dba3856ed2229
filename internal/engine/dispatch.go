package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"delta-relay/internal/api"
	"delta-relay/internal/flatten"
	"delta-relay/internal/sizing"
	"delta-relay/internal/state"
	"delta-relay/pkg/types"
)

// runChain files the signal into its chain and advances the steps in
// protocol order as far as the buffered legs allow. Runs inside the per-key
// queue slot, so two dispatches on one product never interleave here.
func (e *Engine) runChain(ctx context.Context, sig *types.Signal, log *slog.Logger) api.Response {
	ch := e.state.Chains.Upsert(sig.SigID, sig.ProductSymbol, sig)

	if age := time.Since(ch.CreatedAt); age > e.cfg.Chain.Window {
		return errResponse(fmt.Sprintf("chain_expired: age %s exceeds window %s",
			age.Round(time.Millisecond), e.cfg.Chain.Window))
	}

	if ch.Done() {
		// Every step already ran; late or repeated legs are no-ops.
		return api.Response{OK: true, Status: "done", Have: ch.Have(), Did: ch.Did()}
	}

	var progressed []api.StepResult

	if !ch.DidCancel {
		res, queued, err := e.stepCancel(ctx, ch, sig, log)
		if err != nil {
			return errResponse(err.Error())
		}
		if queued != "" {
			return queuedResponse(queued, ch, progressed)
		}
		progressed = append(progressed, res)
		ch, _ = e.state.Chains.Get(ch.Key)
	}

	if !ch.DidEnter {
		res, queued, err := e.stepEnter(ctx, ch, log)
		if err != nil {
			return errResponse(err.Error())
		}
		if queued != "" {
			return queuedResponse(queued, ch, progressed)
		}
		progressed = append(progressed, res)
		ch, _ = e.state.Chains.Get(ch.Key)
	}

	if !ch.DidBatch {
		res, queued, err := e.stepBatch(ctx, ch, log)
		if err != nil {
			return errResponse(err.Error())
		}
		if queued != "" {
			return queuedResponse(queued, ch, progressed)
		}
		progressed = append(progressed, res)
		ch, _ = e.state.Chains.Get(ch.Key)
	}

	status := "progressed"
	if ch.Done() {
		status = "done"
	}
	return api.Response{OK: true, Status: status, Have: ch.Have(), Did: ch.Did(), Progressed: progressed}
}

// stepCancel advances didCancel. A buffered CANCAL runs the flatten it
// describes; a buffered ENTER synthesizes one when auto-cancel is on. With
// auto-cancel off the ENTER delivery itself queues behind the missing
// CANCAL, and only a later leg that finds the enter buffered waives the
// step instead of stalling the chain.
func (e *Engine) stepCancel(ctx context.Context, ch state.Chain, cur *types.Signal, log *slog.Logger) (api.StepResult, string, error) {
	switch {
	case ch.CancelMsg != nil:
		res, err := e.execFlatten(ctx, ch.CancelMsg, log)
		if err != nil {
			return api.StepResult{}, "", err
		}
		e.state.Chains.MarkCancel(ch.Key, "")
		return api.StepResult{
			Step: "CANCAL", Status: "done",
			Cancelled: res.CancelledOrders, Closed: res.ClosedLots,
		}, "", nil

	case e.cfg.Chain.AutoCancelOnEnter && ch.EnterMsg != nil:
		res, err := e.execFlatten(ctx, synthesizeCancel(ch.EnterMsg), log)
		if err != nil {
			return api.StepResult{}, "", err
		}
		e.state.Chains.MarkCancel(ch.Key, "auto")
		log.Info("cancel synthesized from buffered enter", "symbol", ch.Symbol)
		return api.StepResult{
			Step: "CANCAL", Status: "done", Note: "auto",
			Cancelled: res.CancelledOrders, Closed: res.ClosedLots,
		}, "", nil

	case ch.EnterMsg != nil && cur.Action != types.ActionEnter:
		e.state.Chains.MarkCancel(ch.Key, "skipped")
		log.Info("cancel step waived, no CANCAL leg and auto-cancel off", "symbol", ch.Symbol)
		return api.StepResult{Step: "CANCAL", Status: "skipped"}, "", nil

	default:
		return api.StepResult{}, "waiting_for_CANCAL", nil
	}
}

// execFlatten runs the flatten a CANCAL (real or synthesized) describes.
// Flag defaults come from configuration when the message does not say.
func (e *Engine) execFlatten(ctx context.Context, msg *types.Signal, log *slog.Logger) (flatten.Result, error) {
	opt := flatten.Options{
		CancelOrders:  boolOr(msg.CancelOrders, e.cfg.Flatten.ForceCancelOrders),
		ClosePosition: boolOr(msg.ClosePosition, e.cfg.Flatten.ForceClosePosition),
		FallbackAll:   msg.CancelFallbackAll,
	}

	var res flatten.Result
	var err error
	if msg.Scope == types.ScopeAll {
		res, err = e.flat.All(ctx, opt)
	} else {
		res, err = e.flat.Symbol(ctx, msg.ProductSymbol, opt)
	}
	if err != nil {
		return res, fmt.Errorf("flatten: %w", err)
	}

	if msg.RequireFlat != nil && *msg.RequireFlat {
		sym := msg.ProductSymbol
		if msg.Scope == types.ScopeAll {
			sym = ""
		}
		if !e.flat.WaitUntilFlat(ctx, sym) {
			return res, errors.New("require_flat_timeout: exposure remains after flatten")
		}
	}

	e.emit(api.NewEvent("flatten", msg.ProductSymbol, "", api.FlattenEvent{
		Scope:     string(msg.Scope),
		Cancelled: res.CancelledOrders,
		Closed:    res.ClosedLots,
	}))
	log.Info("flatten done", "scope", msg.Scope,
		"cancelled", res.CancelledOrders, "closed_lots", res.ClosedLots)
	return res, nil
}

// synthesizeCancel builds the flatten request an absent CANCAL leg would
// have carried, scoped to the enter's product.
func synthesizeCancel(enter *types.Signal) *types.Signal {
	return &types.Signal{
		Action:            types.ActionCancal,
		SigID:             enter.SigID,
		ProductSymbol:     enter.ProductSymbol,
		Scope:             types.ScopeSymbol,
		CancelFallbackAll: enter.CancelFallbackAll,
	}
}

// stepEnter advances didEnter: preflight flatten on the first attempt, the
// flat gate, then the market order. A flat-gate timeout fails the dispatch
// without advancing, so the leg can be retried.
func (e *Engine) stepEnter(ctx context.Context, ch state.Chain, log *slog.Logger) (api.StepResult, string, error) {
	if ch.EnterMsg == nil {
		return api.StepResult{}, "waiting_for_ENTER", nil
	}
	msg := ch.EnterMsg
	sym := msg.ProductSymbol

	if msg.Side != types.Buy && msg.Side != types.Sell {
		return api.StepResult{}, "", errors.New("enter requires side buy or sell")
	}

	if !ch.DidEnterPrep {
		wantCancel := msg.CancelOrders != nil && *msg.CancelOrders
		wantClose := msg.ClosePosition != nil && *msg.ClosePosition
		if wantCancel || wantClose {
			opt := flatten.Options{
				CancelOrders:  wantCancel,
				ClosePosition: wantClose,
				FallbackAll:   msg.CancelFallbackAll,
			}
			if _, err := e.flat.Symbol(ctx, sym, opt); err != nil {
				return api.StepResult{}, "", fmt.Errorf("entry preflight: %w", err)
			}
		}
		e.state.Chains.MarkEnterPrep(ch.Key)
	}

	// The flat gate defaults on for entries; an explicit require_flat=false
	// opts out.
	requireFlat := msg.RequireFlat == nil || *msg.RequireFlat
	if requireFlat && !e.flat.IsFlat(ctx, sym) {
		var flat bool
		if e.cfg.Chain.FastEnter {
			flat = e.flat.WaitUntilFlatFor(ctx, sym, e.cfg.Chain.FastEnterWait)
			if !flat {
				log.Info("book not flat after short wait, one longer retry", "symbol", sym)
				flat = e.flat.WaitUntilFlatFor(ctx, sym, e.cfg.Chain.FastEnterRetry)
			}
		} else {
			flat = e.flat.WaitUntilFlat(ctx, sym)
		}
		if !flat {
			return api.StepResult{}, "", errors.New("require_flat_timeout: open orders or position remain")
		}
	}

	lotMult := e.catalog.LotMult(ctx, sym)
	lots, err := e.entryLots(ctx, msg, lotMult)
	if err != nil {
		return api.StepResult{}, "", err
	}

	order := types.OrderRequest{
		ProductSymbol: sym,
		Size:          lots,
		Side:          msg.Side,
		OrderType:     "market_order",
	}
	if _, err := e.client.PlaceOrder(ctx, order); err != nil {
		return api.StepResult{}, "", fmt.Errorf("place entry: %w", err)
	}

	e.state.Chains.MarkEnter(ch.Key)
	e.state.Memos.Put(sym, state.EntryMemo{Lots: lots, Side: msg.Side, LotMult: lotMult})
	e.scheduleLearn(sym, lots)

	e.emit(api.NewEvent("order", sym, "", api.OrderEvent{
		Side: string(msg.Side), Lots: lots, OrderType: "market_order", DryRun: e.cfg.DryRun,
	}))
	log.Info("entry placed", "symbol", sym, "side", msg.Side, "lots", lots, "lot_mult", lotMult)

	return api.StepResult{Step: "ENTER", Status: "done", Side: string(msg.Side), Lots: lots}, "", nil
}

// entryLots resolves the entry size. An explicit qty is capped by the
// budget when both are present; a budget alone converts via the sizer; a
// qty alone is used as-is. Everything clamps to [1, MaxLotsPerOrder].
func (e *Engine) entryLots(ctx context.Context, msg *types.Signal, lotMult float64) (int, error) {
	hasBudget := msg.Amount > 0

	var budgetLots int
	if hasBudget {
		px := msg.Entry
		if px <= 0 {
			t, err := e.client.Ticker(ctx, msg.ProductSymbol)
			if err != nil {
				return 0, fmt.Errorf("resolve entry price: %w", err)
			}
			px = t.Price()
			if px <= 0 {
				return 0, fmt.Errorf("no usable price for %s", msg.ProductSymbol)
			}
		}
		var err error
		budgetLots, err = e.sizer.LotsFromAmount(sizing.EntryInputs{
			Amount:     msg.Amount,
			Ccy:        msg.AmountCcy,
			Leverage:   msg.Leverage,
			EntryPxUSD: px,
			LotMult:    lotMult,
			Fx:         msg.Fx,
		})
		if err != nil {
			return 0, err
		}
	}

	switch {
	case msg.Qty > 0 && hasBudget:
		lots := msg.Qty
		if budgetLots < lots {
			lots = budgetLots
		}
		return e.clampEntry(lots), nil
	case hasBudget:
		return budgetLots, nil
	case msg.Qty > 0:
		return e.clampEntry(msg.Qty), nil
	default:
		return 0, errors.New("enter requires qty or an amount budget")
	}
}

func (e *Engine) clampEntry(lots int) int {
	if lots < 1 {
		lots = 1
	}
	if max := e.cfg.Sizing.MaxLotsPerOrder; max > 0 && lots > max {
		lots = max
	}
	return lots
}

// stepBatch advances didBatch: derive the close side and lot count from the
// live position, normalize and clamp the legs, and send the batch. The side
// the position dictates overrides any hint in the message.
func (e *Engine) stepBatch(ctx context.Context, ch state.Chain, log *slog.Logger) (api.StepResult, string, error) {
	if ch.BatchMsg == nil {
		return api.StepResult{}, "waiting_for_BATCH_TPS", nil
	}
	msg := ch.BatchMsg
	sym := msg.ProductSymbol

	if len(msg.Orders) == 0 {
		return api.StepResult{}, "", errors.New("batch requires at least one tp leg")
	}

	productID, err := e.catalog.ProductID(ctx, sym)
	if err != nil {
		return api.StepResult{}, "", err
	}
	lotMult := e.catalog.LotMult(ctx, sym)

	positions, err := e.client.Positions(ctx)
	if err != nil {
		return api.StepResult{}, "", fmt.Errorf("list positions: %w", err)
	}
	row, ok := livePosition(positions, sym)
	if !ok {
		return api.StepResult{}, "", errors.New("no open position for " + sym)
	}

	closeSide := types.Sell
	if row.Size < 0 {
		closeSide = types.Buy
	}
	facts := sizing.PositionFacts{Notional: float64(row.Notional)}
	if row.MarkPrice != 0 {
		facts.Price = float64(row.MarkPrice)
	} else if row.EntryPrice != 0 {
		facts.Price = float64(row.EntryPrice)
	}
	positionLots := e.sizer.InferPositionUnits(float64(row.Size), lotMult, facts).Lots

	lastLots := 0
	if memo, ok := e.state.Memos.Get(sym); ok {
		lastLots = memo.Lots
	}

	pre := make([]int, 0, len(msg.Orders))
	for i, leg := range msg.Orders {
		if leg.LimitPrice == "" {
			return api.StepResult{}, "", fmt.Errorf("tp leg %d: missing limit_price", i)
		}
		if _, perr := decimal.NewFromString(leg.LimitPrice); perr != nil {
			return api.StepResult{}, "", fmt.Errorf("tp leg %d: bad limit_price %q", i, leg.LimitPrice)
		}
		pre = append(pre, e.sizer.NormalizeTPSize(sizing.TPInputs{
			Size:      leg.Size,
			SizeCoins: leg.SizeCoins,
			LotMult:   lotMult,
			LastLots:  lastLots,
		}))
	}

	clamped := sizing.ClampToPosition(pre, positionLots)

	now := time.Now()
	legs := make([]types.BatchLeg, len(clamped))
	total := 0
	for i, lots := range clamped {
		src := msg.Orders[i]
		clientID := src.ClientOrderID
		if clientID == "" || len(clientID) > 32 {
			clientID = tpClientOrderID(msg.SigID, sym, i, now)
		}
		legs[i] = types.BatchLeg{
			LimitPrice:    src.LimitPrice,
			Size:          lots,
			Side:          closeSide,
			OrderType:     "limit_order",
			ReduceOnly:    true,
			PostOnly:      src.PostOnly,
			MMP:           src.MMP,
			ClientOrderID: clientID,
		}
		total += lots
	}

	// Post-clamp this cannot exceed the position; refuse rather than trust.
	if total > positionLots {
		return api.StepResult{}, "", fmt.Errorf("tp batch of %d lots exceeds position of %d", total, positionLots)
	}

	req := types.BatchRequest{ProductID: productID, ProductSymbol: sym, Orders: legs}
	if _, err := e.client.PlaceBatch(ctx, req); err != nil {
		return api.StepResult{}, "", fmt.Errorf("place tp batch: %w", err)
	}

	e.state.Chains.MarkBatch(ch.Key)
	e.emit(api.NewEvent("batch", sym, "", api.BatchEvent{
		Legs: len(legs), TotalLots: total, CloseSide: string(closeSide),
	}))
	log.Info("tp batch placed", "symbol", sym, "legs", len(legs),
		"total_lots", total, "close_side", closeSide, "position_lots", positionLots)

	return api.StepResult{
		Step: "BATCH_TPS", Status: "done",
		Side: string(closeSide), Lots: total, Orders: len(legs),
	}, "", nil
}

// livePosition finds the non-flat row for a symbol.
func livePosition(rows []types.Position, symbol string) (types.Position, bool) {
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

// tpClientOrderID builds a unique id for one TP leg, at most 32 characters:
// a readable T<leg><symbol-prefix>_ head plus a SHA-1 over the identifying
// tuple, hex-truncated to fit.
func tpClientOrderID(sigID, symbol string, idx int, now time.Time) string {
	prefix := fmt.Sprintf("T%d%s_", idx, sanitizeSymbol(symbol, 6))
	sum := sha1.Sum(fmt.Appendf(nil, "%s|%s|TP|%d|%d", sigID, symbol, idx, now.UnixMilli()))
	digest := hex.EncodeToString(sum[:])

	room := 32 - len(prefix)
	if room > len(digest) {
		room = len(digest)
	}
	return prefix + digest[:room]
}

// sanitizeSymbol keeps the first n alphanumeric characters, uppercased.
func sanitizeSymbol(symbol string, n int) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(symbol) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == n {
				break
			}
		}
	}
	return b.String()
}

func queuedResponse(waiting string, ch state.Chain, progressed []api.StepResult) api.Response {
	return api.Response{
		OK:         true,
		Queued:     waiting,
		Have:       ch.Have(),
		Did:        ch.Did(),
		Progressed: progressed,
	}
}

// boolOr resolves a tri-state message flag against its configured default.
func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}
