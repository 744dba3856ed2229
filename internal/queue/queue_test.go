package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"delta-relay/pkg/types"
)

func TestKeyFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sig  types.Signal
		want string
	}{
		{"scope all", types.Signal{Scope: types.ScopeAll, ProductSymbol: "ARCUSD"}, "GLOBAL"},
		{"close all", types.Signal{CloseAll: true, ProductSymbol: "ARCUSD"}, "GLOBAL"},
		{"symbol", types.Signal{ProductSymbol: "ARCUSD"}, "SYM:ARCUSD"},
		{"symbol normalized", types.Signal{ProductSymbol: "BINANCE:arcusd.P"}, "SYM:ARCUSD"},
	}
	for _, tt := range tests {
		if got := KeyFor(&tt.sig); got != tt.want {
			t.Errorf("%s: KeyFor = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestDoRunsInOrder(t *testing.T) {
	t.Parallel()
	q := New()

	started := make(chan struct{})
	release := make(chan struct{})
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.Do(context.Background(), "SYM:A", func() error {
			close(started)
			<-release
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			return nil
		})
	}()

	<-started // first job is inside fn, so the second must queue behind it
	go func() {
		defer wg.Done()
		q.Do(context.Background(), "SYM:A", func() error {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond) // give job 2 a chance to jump the line
	close(release)
	wg.Wait()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2]", order)
	}
}

func TestDoNeverOverlapsOnSameKey(t *testing.T) {
	t.Parallel()
	q := New()

	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Do(context.Background(), "SYM:A", func() error {
				if n := active.Add(1); n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("peak concurrency on one key = %d, want 1", peak.Load())
	}
}

func TestDoParallelAcrossKeys(t *testing.T) {
	t.Parallel()
	q := New()

	blockA := make(chan struct{})
	aRunning := make(chan struct{})
	go q.Do(context.Background(), "SYM:A", func() error {
		close(aRunning)
		<-blockA
		return nil
	})
	<-aRunning

	doneB := make(chan struct{})
	go func() {
		q.Do(context.Background(), "SYM:B", func() error { return nil })
		close(doneB)
	}()

	select {
	case <-doneB:
	case <-time.After(time.Second):
		t.Fatal("work on key B should not wait for key A")
	}
	close(blockA)
}

func TestDoErrorDoesNotPoisonKey(t *testing.T) {
	t.Parallel()
	q := New()

	wantErr := errors.New("boom")
	if err := q.Do(context.Background(), "SYM:A", func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	ran := false
	if err := q.Do(context.Background(), "SYM:A", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("follow-up job: %v", err)
	}
	if !ran {
		t.Error("follow-up job should run after a failure")
	}
}

func TestDoContextCancelledWhileQueued(t *testing.T) {
	t.Parallel()
	q := New()

	blockA := make(chan struct{})
	aRunning := make(chan struct{})
	go q.Do(context.Background(), "SYM:A", func() error {
		close(aRunning)
		<-blockA
		return nil
	})
	<-aRunning

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Do(ctx, "SYM:A", func() error {
		t.Error("fn must not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	// The cancelled job must still release its slot for later work.
	close(blockA)
	done := make(chan struct{})
	go func() {
		q.Do(context.Background(), "SYM:A", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key A is stuck after a cancelled job")
	}
}

func TestDoCancelledWaiterStillSerializesKey(t *testing.T) {
	t.Parallel()
	q := New()

	var active, peak atomic.Int32
	blockA := make(chan struct{})
	aRunning := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Do(context.Background(), "SYM:A", func() error {
			if n := active.Add(1); n > peak.Load() {
				peak.Store(n)
			}
			close(aRunning)
			<-blockA
			active.Add(-1)
			return nil
		})
	}()
	<-aRunning

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := q.Do(ctx, "SYM:A", func() error {
		t.Error("fn must not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// Queued behind the cancelled waiter while the first job still runs.
	cRan := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Do(context.Background(), "SYM:A", func() error {
			if n := active.Add(1); n > peak.Load() {
				peak.Store(n)
			}
			close(cRan)
			active.Add(-1)
			return nil
		})
	}()

	select {
	case <-cRan:
		t.Fatal("job jumped the queue past a cancelled waiter")
	case <-time.After(20 * time.Millisecond):
	}

	close(blockA)
	wg.Wait()

	select {
	case <-cRan:
	default:
		t.Fatal("queued job never ran after the key drained")
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency on one key = %d, want 1", peak.Load())
	}
}

func TestBusyDrainsToZero(t *testing.T) {
	t.Parallel()
	q := New()

	if err := q.Do(context.Background(), "SYM:A", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if n := q.Busy(); n != 0 {
		t.Errorf("Busy = %d after drain, want 0", n)
	}
}
