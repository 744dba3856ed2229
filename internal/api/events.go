package api

import (
	"time"
)

// Event is the wrapper for everything broadcast on the /ws stream.
type Event struct {
	Type       string    `json:"type"` // "snapshot", "signal", "order", "batch", "flatten"
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol,omitempty"`
	DispatchID string    `json:"dispatch_id,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// SignalEvent summarizes one finished dispatch.
type SignalEvent struct {
	Action  string `json:"action"`
	SigID   string `json:"sig_id"`
	Seq     int    `json:"seq"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// OrderEvent is an entry order hitting the exchange.
type OrderEvent struct {
	Side      string `json:"side"`
	Lots      int    `json:"lots"`
	OrderType string `json:"order_type"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

// BatchEvent is a take-profit batch hitting the exchange.
type BatchEvent struct {
	Legs      int    `json:"legs"`
	TotalLots int    `json:"total_lots"`
	CloseSide string `json:"close_side"`
}

// FlattenEvent reports what a cancel/close pass did.
type FlattenEvent struct {
	Scope     string `json:"scope"` // "SYMBOL" or "ALL"
	Cancelled int    `json:"cancelled"`
	Closed    int    `json:"closed"`
	Note      string `json:"note,omitempty"` // "auto" or "skipped"
}

// NewEvent stamps a typed payload into the stream envelope.
func NewEvent(typ, symbol, dispatchID string, data any) Event {
	return Event{
		Type:       typ,
		Timestamp:  time.Now(),
		Symbol:     symbol,
		DispatchID: dispatchID,
		Data:       data,
	}
}
