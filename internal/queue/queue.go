// Package queue serializes dispatch work per key while keeping distinct keys
// parallel.
//
// Every signal dispatch runs under a key: "GLOBAL" for account-wide flushes,
// "SYM:<symbol>" for everything else. Work on one key runs strictly in the
// order it was enqueued; work on different keys overlaps freely. A failed
// job returns its error to its own caller only and never blocks the jobs
// queued behind it.
package queue

import (
	"context"
	"sync"

	"delta-relay/pkg/types"
)

// GlobalKey is the serialization lane for scope=ALL work.
const GlobalKey = "GLOBAL"

// KeyFor returns the serialization key for a signal: global flushes share one
// lane, everything else serializes per product symbol.
func KeyFor(sig *types.Signal) string {
	if sig.Scope == types.ScopeAll || sig.CloseAll {
		return GlobalKey
	}
	return "SYM:" + types.NormalizeSymbol(sig.ProductSymbol)
}

// Queue tracks the tail of each key's work chain. An entry exists only while
// work on that key is running or queued.
type Queue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{tails: make(map[string]chan struct{})}
}

// Do runs fn after all previously enqueued work on key has finished and
// returns fn's error. The call blocks the caller for its own job only; other
// keys are untouched. When ctx is cancelled before fn starts, ctx's error is
// returned without running fn and the slot passes to the next job once the
// predecessor finishes.
func (q *Queue) Do(ctx context.Context, key string, fn func() error) error {
	done := make(chan struct{})

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = done
	q.mu.Unlock()

	// The slot must always release, or every later job on this key hangs.
	release := func() {
		close(done)
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// prev is still running. Releasing here would let the job
			// queued behind this one overlap it, so the release has to
			// wait for prev first.
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}

	defer release()
	return fn()
}

// Busy reports how many keys currently have running or queued work.
func (q *Queue) Busy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
