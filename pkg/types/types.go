// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the relay: the signal messages
// arriving on the webhook, and the exchange wire rows (products, orders,
// positions) they are translated into. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Action identifies what a webhook message asks the relay to do.
// The three-step actions carry the signal chain; everything else is
// acknowledged without touching the exchange.
type Action string

const (
	ActionCancal   Action = "CANCAL"    // seq 0: flatten before entry (upstream spells it this way)
	ActionEnter    Action = "ENTER"     // seq 1: place the market entry
	ActionBatchTPs Action = "BATCH_TPS" // seq 2: place reduce-only take-profit limits
	ActionExit     Action = "EXIT"      // acknowledged and ignored
)

// legacyActions maps v1 webhook spellings onto the current actions so old
// alerts keep parsing. Only the three-step actions mutate anything.
var legacyActions = map[string]Action{
	"DELTA_CANCEL_ALL": ActionCancal,
	"CANCEL_ALL":       ActionCancal,
	"CANCEL_ORDERS":    ActionCancal,
	"CLOSE_POSITION":   ActionCancal,
	"CANCEL":           ActionCancal,
	"FLIP":             ActionEnter,
	"OPEN":             ActionEnter,
	"BATCH_TP":         ActionBatchTPs,
	"TP_BATCH":         ActionBatchTPs,
	"TPS":              ActionBatchTPs,
	"CLOSE":            ActionExit,
}

// ParseAction resolves a raw action string, current or legacy spelling, to an
// Action. The second return is false when the string is not recognized.
func ParseAction(raw string) (Action, bool) {
	up := strings.ToUpper(strings.TrimSpace(raw))
	switch Action(up) {
	case ActionCancal, ActionEnter, ActionBatchTPs, ActionExit:
		return Action(up), true
	}
	if a, ok := legacyActions[up]; ok {
		return a, true
	}
	return "", false
}

// Seq returns the protocol sequence number an action belongs to,
// or -1 for actions outside the three-step chain.
func (a Action) Seq() int {
	switch a {
	case ActionCancal:
		return 0
	case ActionEnter:
		return 1
	case ActionBatchTPs:
		return 2
	default:
		return -1
	}
}

// Side is the direction of an order in exchange casing: "buy" or "sell".
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide normalizes upstream side spellings ("BUY", "long", …).
func ParseSide(raw string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "long", "b":
		return Buy, true
	case "sell", "short", "s":
		return Sell, true
	}
	return "", false
}

// Units classifies how an exchange reports a position size for a product.
// Some products report lots (contracts), some report coins; the relay infers
// which at runtime because metadata alone is not trustworthy.
type Units string

const (
	UnitsLots    Units = "lots"
	UnitsCoins   Units = "coins"
	UnitsUnknown Units = "unknown"
)

// Scope selects what a flatten touches: one symbol or the whole account.
type Scope string

const (
	ScopeSymbol Scope = "SYMBOL"
	ScopeAll    Scope = "ALL"
)

// ————————————————————————————————————————————————————————————————————————
// Flexible JSON scalars
// ————————————————————————————————————————————————————————————————————————
// Charting-platform webhooks interpolate template variables into JSON, so a
// numeric field may arrive as 50, "50", or "50.0" depending on the alert
// author. These types accept either encoding.

// FlexFloat decodes a JSON number or a numeric string.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = FlexFloat(v)
	return nil
}

// FlexInt decodes a JSON integer, a float with zero fraction, or a numeric string.
type FlexInt int

func (i *FlexInt) UnmarshalJSON(b []byte) error {
	var f FlexFloat
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	*i = FlexInt(f)
	return nil
}

// FlexBool decodes true/false, "true"/"false", and 0/1.
type FlexBool bool

func (x *FlexBool) UnmarshalJSON(b []byte) error {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(string(b)), `"`)) {
	case "true", "1", "yes", "on":
		*x = true
	case "false", "0", "no", "off", "", "null":
		*x = false
	default:
		return fmt.Errorf("parse bool %q", string(b))
	}
	return nil
}

// FlexString decodes a JSON string or number into its textual form.
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*s = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	*s = FlexString(raw)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Webhook signal
// ————————————————————————————————————————————————————————————————————————

// Signal is one parsed webhook delivery. Alias fields from older alert
// templates (signal_id, symbol, amount_inr, fx, …) are folded into the
// canonical fields during parsing; consumers never see the aliases.
type Signal struct {
	Action        Action // resolved action
	RawAction     string // as delivered, for logging
	SigID         string // opaque signal identifier shared by the three legs
	Seq           int    // 0, 1, 2
	HasSeq        bool   // false when the field was absent (strict mode drops these)
	ProductSymbol string // normalized: prefix/suffix stripped, uppercased

	// ENTER sizing
	Side      Side
	Qty       int     // explicit lots, 0 = unset
	Amount    float64 // margin budget, 0 = unset
	AmountCcy string  // "INR" or "USD"
	Leverage  int     // 0 = use configured default
	Entry     float64 // entry price hint in USD, 0 = resolve via ticker
	Fx        float64 // INR per USD override, 0 = use configured fallback

	// Flatten controls
	Scope             Scope // ALL routes to the global queue key
	CloseAll          bool
	CancelOrders      *bool // nil = apply configured default
	ClosePosition     *bool // nil = apply configured default
	CancelFallbackAll bool
	RequireFlat       *bool // nil = step default (true for ENTER)

	// BATCH_TPS legs
	Orders []TPLeg
}

// TPLeg is one take-profit order leg as delivered by the webhook.
// Size may be denominated in lots or coins; normalization decides which.
type TPLeg struct {
	LimitPrice    string  // as text, forwarded verbatim to the exchange
	Size          float64 // ambiguous units, 0 = unset
	SizeCoins     float64 // explicitly coins, takes precedence when > 0
	PostOnly      bool
	MMP           bool
	ClientOrderID string // optional caller-supplied id, replaced when too long
}

// signalWire mirrors the raw JSON body with every alias the upstream has
// ever used. ParseSignal folds it into a Signal.
type signalWire struct {
	Action   FlexString `json:"action"`
	SigID    FlexString `json:"sig_id"`
	SignalID FlexString `json:"signal_id"`
	Seq      *FlexInt   `json:"seq"`

	Symbol        FlexString `json:"symbol"`
	ProductSymbol FlexString `json:"product_symbol"`

	Side        FlexString `json:"side"`
	Qty         FlexInt    `json:"qty"`
	Amount      FlexFloat  `json:"amount"`
	AmountINR   FlexFloat  `json:"amount_inr"`
	AmountUSD   FlexFloat  `json:"amount_usd"`
	OrderAmount FlexFloat  `json:"order_amount"`
	AmountCcy   FlexString `json:"amount_ccy"`
	Leverage    FlexInt    `json:"leverage"`
	Entry       FlexFloat  `json:"entry"`
	FxCamel     FlexFloat  `json:"fxQuoteToINR"`
	FxSnake     FlexFloat  `json:"fx_quote_to_inr"`
	Fx          FlexFloat  `json:"fx"`

	Scope             FlexString `json:"scope"`
	CloseAll          FlexBool   `json:"close_all"`
	CancelOrders      *FlexBool  `json:"cancel_orders"`
	CancelOrdersScope FlexString `json:"cancel_orders_scope"`
	ClosePosition     *FlexBool  `json:"close_position"`
	CancelFallbackAll FlexBool   `json:"cancel_fallback_all"`
	RequireFlat       *FlexBool  `json:"require_flat"`

	Orders []tpLegWire `json:"orders"`
}

type tpLegWire struct {
	LimitPrice    FlexString `json:"limit_price"`
	Price         FlexString `json:"price"`
	LmtPrice      FlexString `json:"lmt_price"`
	Size          FlexFloat  `json:"size"`
	SizeCoins     FlexFloat  `json:"size_coins"`
	Coins         FlexFloat  `json:"coins"`
	PostOnly      FlexBool   `json:"post_only"`
	MMP           FlexBool   `json:"mmp"`
	ClientOrderID FlexString `json:"client_order_id"`
}

// ParseSignal decodes a webhook body into a Signal, folding field aliases and
// normalizing the symbol. Unknown actions and malformed JSON are errors;
// missing optional fields are not.
func ParseSignal(body []byte) (*Signal, error) {
	var w signalWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode signal: %w", err)
	}

	rawAction := strings.TrimSpace(string(w.Action))
	action, ok := ParseAction(rawAction)
	if !ok {
		return nil, fmt.Errorf("unknown action %q", rawAction)
	}

	sig := &Signal{
		Action:    action,
		RawAction: rawAction,
		SigID:     strings.TrimSpace(string(firstNonEmpty(w.SigID, w.SignalID))),
		Amount:    firstPositive(float64(w.AmountUSD), float64(w.AmountINR), float64(w.Amount), float64(w.OrderAmount)),
		AmountCcy: strings.ToUpper(strings.TrimSpace(string(w.AmountCcy))),
		Qty:       int(w.Qty),
		Leverage:  int(w.Leverage),
		Entry:     float64(w.Entry),
		Fx:        firstPositive(float64(w.Fx), float64(w.FxSnake), float64(w.FxCamel)),
		CloseAll:  bool(w.CloseAll),
	}

	if w.Seq != nil {
		sig.Seq = int(*w.Seq)
		sig.HasSeq = true
	}

	sig.ProductSymbol = NormalizeSymbol(string(firstNonEmpty(w.ProductSymbol, w.Symbol)))

	if s, ok := ParseSide(string(w.Side)); ok {
		sig.Side = s
	}

	// amount_ccy defaults by alias: amount_usd implies USD, everything else INR
	if sig.AmountCcy == "" {
		if float64(w.AmountUSD) > 0 {
			sig.AmountCcy = "USD"
		} else {
			sig.AmountCcy = "INR"
		}
	}

	scope := strings.ToUpper(strings.TrimSpace(string(firstNonEmpty(w.Scope, w.CancelOrdersScope))))
	if scope == string(ScopeAll) || sig.CloseAll {
		sig.Scope = ScopeAll
	} else {
		sig.Scope = ScopeSymbol
	}

	if w.CancelOrders != nil {
		v := bool(*w.CancelOrders)
		sig.CancelOrders = &v
	}
	if w.ClosePosition != nil {
		v := bool(*w.ClosePosition)
		sig.ClosePosition = &v
	}
	if w.RequireFlat != nil {
		v := bool(*w.RequireFlat)
		sig.RequireFlat = &v
	}
	sig.CancelFallbackAll = bool(w.CancelFallbackAll)

	for _, leg := range w.Orders {
		sig.Orders = append(sig.Orders, TPLeg{
			LimitPrice:    strings.TrimSpace(string(firstNonEmpty(leg.LimitPrice, leg.Price, leg.LmtPrice))),
			Size:          float64(leg.Size),
			SizeCoins:     firstPositive(float64(leg.SizeCoins), float64(leg.Coins)),
			PostOnly:      bool(leg.PostOnly),
			MMP:           bool(leg.MMP),
			ClientOrderID: strings.TrimSpace(string(leg.ClientOrderID)),
		})
	}

	return sig, nil
}

// NormalizeSymbol strips charting-platform decorations from an instrument
// symbol: an "EXCHANGE:" prefix, a ".P" perpetual suffix, and surrounding
// whitespace. The result is uppercased ("binance:arcusd.p" → "ARCUSD").
func NormalizeSymbol(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.ToUpper(s)
	s = strings.TrimSuffix(s, ".P")
	return strings.TrimSpace(s)
}

func firstNonEmpty(vals ...FlexString) FlexString {
	for _, v := range vals {
		if strings.TrimSpace(string(v)) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

// ————————————————————————————————————————————————————————————————————————
// Exchange wire rows
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the exchange REST API. Numeric fields the
// exchange serves inconsistently (number vs string) use the Flex types.

// Product is one row of GET /v2/products. The contract-size fields are kept
// raw because the exchange mixes plain numbers with annotated strings like
// "10 ARC"; the products cache extracts the numeric token.
type Product struct {
	ID            int        `json:"id"`
	Symbol        string     `json:"symbol"`
	State         string     `json:"state"` // "live", "expired", …
	ContractType  string     `json:"contract_type"`
	LotSize       FlexString `json:"lot_size"`
	ContractSize  FlexString `json:"contract_size"`
	ContractValue FlexString `json:"contract_value"`
	ContractUnit  FlexString `json:"contract_unit"`
	QtyStep       FlexString `json:"qty_step"`
	TickSize      FlexString `json:"tick_size"`
}

// Ticker is the subset of GET /v2/tickers?symbol=… the relay reads for the
// entry-price fallback. Precedence: spot, then mark, then close.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	SpotPrice FlexFloat `json:"spot_price"`
	MarkPrice FlexFloat `json:"mark_price"`
	Close     FlexFloat `json:"close"`
}

// Price returns the first usable price from the ticker, 0 when none.
func (t Ticker) Price() float64 {
	for _, p := range []float64{float64(t.SpotPrice), float64(t.MarkPrice), float64(t.Close)} {
		if p > 0 {
			return p
		}
	}
	return 0
}

// Order is one row of the open-orders listing.
type Order struct {
	ID            int64      `json:"id"`
	ProductID     int        `json:"product_id"`
	ProductSymbol string     `json:"product_symbol"`
	State         string     `json:"state"` // "open", "pending", …
	Side          Side       `json:"side"`
	Size          FlexFloat  `json:"size"`
	UnfilledSize  FlexFloat  `json:"unfilled_size"`
	OrderType     string     `json:"order_type"`
	LimitPrice    FlexString `json:"limit_price"`
	ClientOrderID string     `json:"client_order_id"`
}

// Position is one row of GET /v2/positions (or /v2/positions/margined).
// Size sign carries direction: positive = long, negative = short. Units are
// per-product (lots or coins) and resolved by inference, not trusted.
type Position struct {
	ProductID     int       `json:"product_id"`
	ProductSymbol string    `json:"product_symbol"`
	Size          FlexFloat `json:"size"`
	EntryPrice    FlexFloat `json:"entry_price"`
	MarkPrice     FlexFloat `json:"mark_price"`
	Notional      FlexFloat `json:"notional"` // not served by every endpoint variant

	// The margined endpoint nests product metadata instead of flattening it.
	Product *struct {
		ID     int    `json:"id"`
		Symbol string `json:"symbol"`
	} `json:"product"`
}

// Symbol returns the product symbol regardless of which endpoint shape
// produced the row.
func (p Position) Symbol() string {
	if p.ProductSymbol != "" {
		return p.ProductSymbol
	}
	if p.Product != nil {
		return p.Product.Symbol
	}
	return ""
}

// ProductIDResolved returns the product id from either row shape, 0 if absent.
func (p Position) ProductIDResolved() int {
	if p.ProductID != 0 {
		return p.ProductID
	}
	if p.Product != nil {
		return p.Product.ID
	}
	return 0
}

// PositionUnits is the result of coins-vs-lots inference for one position.
type PositionUnits struct {
	Units Units
	Lots  int // normalized lot count, at least 1 when a position exists
}

// OrderRequest is the body of POST /v2/orders.
type OrderRequest struct {
	ProductID     int    `json:"product_id,omitempty"`
	ProductSymbol string `json:"product_symbol,omitempty"`
	Size          int    `json:"size"`
	Side          Side   `json:"side"`
	OrderType     string `json:"order_type"` // "market_order" or "limit_order"
	LimitPrice    string `json:"limit_price,omitempty"`
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// BatchLeg is one order inside POST /v2/orders/batch.
type BatchLeg struct {
	LimitPrice    string `json:"limit_price"`
	Size          int    `json:"size"`
	Side          Side   `json:"side"`
	OrderType     string `json:"order_type"`
	ReduceOnly    bool   `json:"reduce_only"`
	PostOnly      bool   `json:"post_only,omitempty"`
	MMP           bool   `json:"mmp,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// BatchRequest is the body of POST /v2/orders/batch.
type BatchRequest struct {
	ProductID     int        `json:"product_id"`
	ProductSymbol string     `json:"product_symbol"`
	Orders        []BatchLeg `json:"orders"`
}

// DeleteOrderRequest is the body of DELETE /v2/orders.
type DeleteOrderRequest struct {
	ID            int64  `json:"id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	ProductID     int    `json:"product_id"`
}
