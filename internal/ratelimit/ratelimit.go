// Package ratelimit shapes acquisition and fan-out cadence.
//
// It provides two limiter variants behind a common next() contract:
// a token-bucket limiter for steady-state throttling and an
// exponential-backoff limiter for reconnect pacing.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// clock is overridable in tests so limiter math doesn't depend on
// wall-clock sleeps.
type clock struct {
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func realClock() clock {
	return clock{
		now: time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			if d <= 0 {
				return nil
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Bucket is a token-bucket rate limiter. Tokens accrue linearly at
// MaxRate, capped at BucketSize (default MaxRate, allowing up to one
// second of burst). Next consumes one token, suspending first if
// fewer than one token is available.
type Bucket struct {
	mu         sync.Mutex
	maxRate    float64
	bucketSize float64
	tokens     float64
	lastT      time.Time
	clk        clock
}

// NewBucket builds a Bucket limiter. If bucketSize <= 0, it defaults
// to maxRate.
func NewBucket(maxRate, bucketSize float64) *Bucket {
	if bucketSize <= 0 {
		bucketSize = maxRate
	}
	b := &Bucket{
		maxRate:    maxRate,
		bucketSize: bucketSize,
		clk:        realClock(),
	}
	b.reset()
	return b
}

func (b *Bucket) reset() {
	b.tokens = b.bucketSize
	b.lastT = b.clk.now()
}

// accrue must be called with mu held. It updates tokens for elapsed
// time and returns the current token count.
func (b *Bucket) accrue() float64 {
	now := b.clk.now()
	dt := now.Sub(b.lastT).Seconds()
	if dt < 0 {
		dt = 0
	}
	b.tokens = min(b.tokens+dt*b.maxRate, b.bucketSize)
	b.lastT = now
	return b.tokens
}

// SetMaxRate changes the rate. The accrued token count is reconciled
// against the old rate before the new rate is applied, so a client
// with 2 clients at a high rate observes a smooth transition when
// max_rate drops as a third client joins.
func (b *Bucket) SetMaxRate(maxRate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accrue()
	b.maxRate = maxRate
}

// Next blocks until at least one token is available, then consumes
// it.
func (b *Bucket) Next(ctx context.Context) error {
	b.mu.Lock()
	tokens := b.accrue()
	if tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		return nil
	}
	wait := (1 - tokens) / b.maxRate
	b.lastT = b.lastT.Add(time.Duration(wait * float64(time.Second)))
	b.tokens = 0
	b.mu.Unlock()
	return b.clk.sleep(ctx, time.Duration(wait*float64(time.Second)))
}

// Backoff is an exponential-backoff rate limiter used to throttle
// reconnect attempts to a flaky upstream.
type Backoff struct {
	mu           sync.Mutex
	initialDelay time.Duration
	backoff      float64
	maxDelay     time.Duration
	delay        time.Duration
	waitUntil    time.Time
	clk          clock
}

// NewBackoff builds a Backoff limiter. backoff defaults to 2 and
// maxDelay to 300s when given as zero.
func NewBackoff(initialDelay time.Duration, backoff float64, maxDelay time.Duration) *Backoff {
	if backoff <= 0 {
		backoff = 2
	}
	if maxDelay <= 0 {
		maxDelay = 300 * time.Second
	}
	b := &Backoff{
		initialDelay: initialDelay,
		backoff:      backoff,
		maxDelay:     maxDelay,
		clk:          realClock(),
	}
	b.Reset()
	return b
}

// Reset clears accumulated delay, e.g. after a successful upstream
// frame.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitUntil = time.Time{}
	b.delay = b.initialDelay
}

// Next suspends until the next permitted attempt, then advances the
// delay schedule.
func (b *Backoff) Next(ctx context.Context) error {
	b.mu.Lock()
	now := b.clk.now()
	waitUntil := b.waitUntil
	delay := b.delay
	var sleepFor time.Duration
	if waitUntil.After(now) {
		sleepFor = waitUntil.Sub(now)
		b.waitUntil = waitUntil.Add(delay)
	} else {
		b.waitUntil = now.Add(delay)
	}
	b.delay = time.Duration(min(float64(delay)*b.backoff, float64(b.maxDelay)))
	b.mu.Unlock()
	return b.clk.sleep(ctx, sleepFor)
}
