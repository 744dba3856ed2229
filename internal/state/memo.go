package state

import (
	"sync"
	"time"

	"delta-relay/pkg/types"
)

// EntryMemo records what the last entry on a symbol looked like. The TP size
// heuristics and lot-multiplier learning read it for a few seconds after the
// entry fills; after that it is noise and expires.
type EntryMemo struct {
	Lots    int
	Side    types.Side
	LotMult float64
	TS      time.Time
}

// Memos maps product symbol to its last-entry memo.
type Memos struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]EntryMemo
}

// NewMemos creates the memo map. ttl zero or negative means the 15-second
// default.
func NewMemos(ttl time.Duration) *Memos {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Memos{ttl: ttl, m: make(map[string]EntryMemo)}
}

// Put stores the memo for a symbol, stamping TS when the caller left it zero.
func (ms *Memos) Put(symbol string, memo EntryMemo) {
	if memo.TS.IsZero() {
		memo.TS = time.Now()
	}
	ms.mu.Lock()
	ms.m[types.NormalizeSymbol(symbol)] = memo
	ms.mu.Unlock()
}

// Get returns the live memo for a symbol. Expired memos read as absent.
func (ms *Memos) Get(symbol string) (EntryMemo, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	memo, ok := ms.m[types.NormalizeSymbol(symbol)]
	if !ok || time.Since(memo.TS) > ms.ttl {
		return EntryMemo{}, false
	}
	return memo, true
}

// Sweep drops expired memos. Returns how many were dropped.
func (ms *Memos) Sweep(now time.Time) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	evicted := 0
	for symbol, memo := range ms.m {
		if now.Sub(memo.TS) > ms.ttl {
			delete(ms.m, symbol)
			evicted++
		}
	}
	return evicted
}

// Snapshot returns a copy of the live memos, for the debug endpoints.
func (ms *Memos) Snapshot() map[string]EntryMemo {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make(map[string]EntryMemo, len(ms.m))
	for symbol, memo := range ms.m {
		out[symbol] = memo
	}
	return out
}
