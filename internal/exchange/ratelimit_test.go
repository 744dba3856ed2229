package exchange

import (
	"context"
	"testing"
	"time"
)

func TestNewTokenBucketStartsFull(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(10, 1)
	if tb.tokens != 10 {
		t.Errorf("tokens = %v, want 10", tb.tokens)
	}
}

func TestTokenBucketBurstWithoutBlocking(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	// A full bucket should absorb a burst up to capacity.
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Wait took %v on token %d, expected immediate", elapsed, i)
		}
	}
}

func TestTokenBucketBlocksUntilRefill(t *testing.T) {
	t.Parallel()
	// 1 token capacity, refills at 10/sec, so roughly 100ms per token.
	tb := NewTokenBucket(1, 10)

	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestTokenBucketContextCancelled(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1) // refill far slower than the test deadline

	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx); err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestRateLimiterClasses(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter()

	if rl.Orders == nil || rl.Queries == nil {
		t.Fatal("both buckets should be initialized")
	}
	if rl.Orders == rl.Queries {
		t.Error("order and query traffic must not share a bucket")
	}
	if rl.Orders.capacity <= rl.Queries.capacity {
		t.Errorf("orders burst %v should exceed queries burst %v",
			rl.Orders.capacity, rl.Queries.capacity)
	}
}
