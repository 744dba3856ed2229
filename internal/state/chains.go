package state

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"delta-relay/pkg/types"
)

// Chain tracks one logical trade: the CANCAL/ENTER/BATCH_TPS trio sharing a
// sig_id on one product. Messages arrive in any order and park in their slot
// until the earlier steps have run.
type Chain struct {
	Key       string
	SigID     string
	Symbol    string
	CreatedAt time.Time
	LastTouch time.Time

	// Message slots, last writer wins per slot.
	CancelMsg *types.Signal
	EnterMsg  *types.Signal
	BatchMsg  *types.Signal

	// Progress flags. They only ever flip false to true.
	DidCancel    bool
	DidEnterPrep bool
	DidEnter     bool
	DidBatch     bool

	CancelNote string // "skipped" when the cancel leg was waived
}

// Done reports whether every step has run.
func (c *Chain) Done() bool {
	return c.DidCancel && c.DidEnterPrep && c.DidEnter && c.DidBatch
}

// Have lists which message slots are filled, in protocol order.
func (c *Chain) Have() []string {
	var have []string
	if c.CancelMsg != nil {
		have = append(have, "CANCAL")
	}
	if c.EnterMsg != nil {
		have = append(have, "ENTER")
	}
	if c.BatchMsg != nil {
		have = append(have, "BATCH_TPS")
	}
	return have
}

// Did lists which steps have completed, in protocol order.
func (c *Chain) Did() []string {
	var did []string
	if c.DidCancel {
		did = append(did, "CANCAL")
	}
	if c.DidEnter {
		did = append(did, "ENTER")
	}
	if c.DidBatch {
		did = append(did, "BATCH_TPS")
	}
	return did
}

// SigKey derives the chain key for a signal id and product symbol.
func SigKey(sigID, symbol string) string {
	sum := sha1.Sum([]byte(sigID + "|" + strings.ToUpper(symbol)))
	return hex.EncodeToString(sum[:8])
}

// ChainStore is the process-wide chain map. Records expire TTL after their
// last touch, checked lazily on access and by the janitor.
type ChainStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	window time.Duration
	m      map[string]*Chain
}

// NewChainStore creates an empty store. ttl zero or negative means the
// 2-minute default; window zero or negative disables the window guard on
// replacement.
func NewChainStore(ttl, window time.Duration) *ChainStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &ChainStore{ttl: ttl, window: window, m: make(map[string]*Chain)}
}

// Upsert files sig into its slot on the chain for (sigID, symbol), creating
// the chain as needed. A record idle past the TTL is replaced only while it
// is still inside the delivery window; past the window it is kept, so the
// caller's age check sees the original CreatedAt and rejects the late leg
// instead of a fresh chain. Returns a copy of the record after the write.
func (cs *ChainStore) Upsert(sigID, symbol string, sig *types.Signal) Chain {
	key := SigKey(sigID, symbol)
	now := time.Now()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	c, ok := cs.m[key]
	idle := ok && now.Sub(c.LastTouch) > cs.ttl
	if !ok || (idle && (cs.window <= 0 || now.Sub(c.CreatedAt) <= cs.window)) {
		c = &Chain{Key: key, SigID: sigID, Symbol: symbol, CreatedAt: now}
		cs.m[key] = c
	}
	c.LastTouch = now

	switch sig.Action {
	case types.ActionCancal:
		c.CancelMsg = sig
	case types.ActionEnter:
		c.EnterMsg = sig
	case types.ActionBatchTPs:
		c.BatchMsg = sig
	}
	return *c
}

// Get returns a copy of the chain. Expired records read as absent.
func (cs *ChainStore) Get(key string) (Chain, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	c, ok := cs.m[key]
	if !ok || time.Since(c.LastTouch) > cs.ttl {
		return Chain{}, false
	}
	return *c, true
}

// MarkCancel flips DidCancel. note annotates why ("" for a real flatten,
// "skipped" when waived).
func (cs *ChainStore) MarkCancel(key, note string) {
	cs.mark(key, func(c *Chain) {
		c.DidCancel = true
		if note != "" {
			c.CancelNote = note
		}
	})
}

// MarkEnterPrep flips DidEnterPrep.
func (cs *ChainStore) MarkEnterPrep(key string) {
	cs.mark(key, func(c *Chain) { c.DidEnterPrep = true })
}

// MarkEnter flips DidEnter.
func (cs *ChainStore) MarkEnter(key string) {
	cs.mark(key, func(c *Chain) { c.DidEnter = true })
}

// MarkBatch flips DidBatch.
func (cs *ChainStore) MarkBatch(key string) {
	cs.mark(key, func(c *Chain) { c.DidBatch = true })
}

func (cs *ChainStore) mark(key string, fn func(*Chain)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok := cs.m[key]; ok {
		fn(c)
		c.LastTouch = time.Now()
	}
}

// Sweep evicts chains idle past the TTL. Returns how many were dropped.
func (cs *ChainStore) Sweep(now time.Time) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	evicted := 0
	for key, c := range cs.m {
		if now.Sub(c.LastTouch) > cs.ttl {
			delete(cs.m, key)
			evicted++
		}
	}
	return evicted
}

// Snapshot returns copies of all live chains, oldest first.
func (cs *ChainStore) Snapshot() []Chain {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make([]Chain, 0, len(cs.m))
	for _, c := range cs.m {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len reports how many chains are held, expired included until swept.
func (cs *ChainStore) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.m)
}
