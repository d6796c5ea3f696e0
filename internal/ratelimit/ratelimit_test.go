package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestBucketNextConsumesBurstWithoutWaiting(t *testing.T) {
	b := NewBucket(10, 5)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := b.Next(ctx); err != nil {
			t.Fatalf("Next() error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("expected burst to drain without sleeping, took %v", elapsed)
	}
}

func TestBucketNextWaitsWhenExhausted(t *testing.T) {
	b := NewBucket(100, 1)
	ctx := context.Background()
	if err := b.Next(ctx); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	start := time.Now()
	if err := b.Next(ctx); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("expected second Next to wait for token refill, took %v", elapsed)
	}
}

func TestBucketSetMaxRateReconciliationOrder(t *testing.T) {
	b := NewBucket(1, 1)
	ctx := context.Background()
	if err := b.Next(ctx); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	// Bump the rate drastically; the pending token deficit should be
	// computed against the old rate, not silently reset.
	b.SetMaxRate(1000)
	start := time.Now()
	if err := b.Next(ctx); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("expected raised rate to shrink wait, took %v", elapsed)
	}
}

func TestBucketNextRespectsContextCancellation(t *testing.T) {
	b := NewBucket(1, 0)
	ctx := context.Background()
	if err := b.Next(ctx); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Next(cctx); err == nil {
		t.Error("expected Next to return an error when context is already cancelled")
	}
}

func TestBackoffGrowsGeometricallyUpToMax(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 2, 40*time.Millisecond)
	ctx := context.Background()

	if err := b.Next(ctx); err != nil {
		t.Fatalf("Next() error: %v", err)
	}

	want := []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		start := time.Now()
		if err := b.Next(ctx); err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		elapsed := time.Since(start)
		if elapsed < w/2 {
			t.Errorf("iteration %d: waited %v, want at least ~%v", i, elapsed, w/2)
		}
	}
}

func TestBackoffResetClearsDelay(t *testing.T) {
	b := NewBackoff(5*time.Millisecond, 2, 100*time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := b.Next(ctx); err != nil {
			t.Fatalf("Next() error: %v", err)
		}
	}
	b.Reset()
	start := time.Now()
	if err := b.Next(ctx); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("expected reset delay to be small again, took %v", elapsed)
	}
}
