package state

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"delta-relay/pkg/types"
)

// Fingerprint identifies one webhook delivery. The same signal leg carrying
// the same orders payload hashes identically, so an upstream redelivery is
// recognizable; a changed payload gets a new fingerprint and runs.
func Fingerprint(sigID, symbol string, seq int, orders []types.TPLeg) string {
	h := sha1.New()
	io.WriteString(h, sigID)
	io.WriteString(h, "|")
	io.WriteString(h, strings.ToUpper(symbol))
	io.WriteString(h, "|")
	io.WriteString(h, strconv.Itoa(seq))
	if len(orders) > 0 {
		raw, _ := json.Marshal(orders)
		sum := sha1.Sum(raw)
		io.WriteString(h, "|")
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// Seen is the idempotency window: fingerprints admitted less than one TTL
// ago are duplicates. The set is soft-capped; past the cap it evicts in
// insertion order down to the trim mark.
type Seen struct {
	mu      sync.Mutex
	ttl     time.Duration
	softCap int
	trimTo  int
	entries map[string]time.Time
	order   []string // insertion order, repaired on sweep
}

// NewSeen creates a seen-set. Zero or negative arguments take the defaults
// (60s TTL, cap 300, trim to 200).
func NewSeen(ttl time.Duration, softCap, trimTo int) *Seen {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if softCap < 1 {
		softCap = 300
	}
	if trimTo < 1 || trimTo >= softCap {
		trimTo = softCap * 2 / 3
	}
	return &Seen{
		ttl:     ttl,
		softCap: softCap,
		trimTo:  trimTo,
		entries: make(map[string]time.Time),
	}
}

// Admit records the fingerprint and reports whether it was new. A repeat
// inside the TTL is a duplicate; once the TTL passes the fingerprint counts
// as fresh again.
func (s *Seen) Admit(fp string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ts, tracked := s.entries[fp]
	if tracked && now.Sub(ts) <= s.ttl {
		return false
	}
	if !tracked {
		s.order = append(s.order, fp)
	}
	s.entries[fp] = now
	if len(s.entries) > s.softCap {
		s.evictLocked()
	}
	return true
}

// evictLocked drops oldest-inserted fingerprints until trimTo remain.
func (s *Seen) evictLocked() {
	for len(s.entries) > s.trimTo && len(s.order) > 0 {
		fp := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, fp)
	}
}

// Sweep drops expired fingerprints and compacts the insertion order.
func (s *Seen) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for fp, ts := range s.entries {
		if now.Sub(ts) > s.ttl {
			delete(s.entries, fp)
			evicted++
		}
	}
	if evicted > 0 {
		kept := s.order[:0]
		for _, fp := range s.order {
			if _, ok := s.entries[fp]; ok {
				kept = append(kept, fp)
			}
		}
		s.order = kept
	}
	return evicted
}

// Snapshot returns fingerprint ages, for the debug endpoints.
func (s *Seen) Snapshot() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.entries))
	for fp, ts := range s.entries {
		out[fp] = ts
	}
	return out
}

// Len reports the current entry count.
func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
