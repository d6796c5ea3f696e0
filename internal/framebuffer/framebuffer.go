// Package framebuffer implements the single-producer/many-consumer
// fan-out buffer: a producer goroutine drains an upstream.Source into
// a bounded ring, and any number of subscribers independently walk the
// ring via a monotonic cursor.
package framebuffer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaycam/puppyserv/internal/metrics"
	"github.com/relaycam/puppyserv/internal/model"
	"github.com/relaycam/puppyserv/internal/stream"
	"github.com/relaycam/puppyserv/internal/upstream"
)

const (
	// DefaultSize is the ring buffer's default capacity.
	DefaultSize = 10
	// DefaultFrameTimeout is the default per-pull subscriber wait.
	DefaultFrameTimeout = 5 * time.Second
)

// FrameBuffer fans a single upstream.Source out to many subscribers.
// It starts one producer goroutine at construction that runs until
// the source ends or the buffer is closed.
type FrameBuffer struct {
	mu       sync.Mutex
	ring     []model.Frame
	length   int // total frames ever appended
	closed   bool
	wake     chan struct{} // closed and replaced on every append or close
	size     int
	frameTO  time.Duration

	source upstream.Source
	log    *zap.SugaredLogger
}

// New constructs a FrameBuffer and immediately starts its producer
// goroutine against source. size and frameTimeout fall back to the
// package defaults when zero.
func New(source upstream.Source, size int, frameTimeout time.Duration, log *zap.SugaredLogger) *FrameBuffer {
	if size <= 0 {
		size = DefaultSize
	}
	if frameTimeout <= 0 {
		frameTimeout = DefaultFrameTimeout
	}
	fb := &FrameBuffer{
		ring:    make([]model.Frame, 0, size),
		size:    size,
		frameTO: frameTimeout,
		wake:    make(chan struct{}),
		source:  source,
		log:     log,
	}
	go fb.produce()
	return fb
}

// produce is the single producer goroutine. It runs on whatever OS
// thread the Go runtime schedules it on; upstream.Source.Next performs
// the blocking network I/O, which the runtime offloads so cooperative
// subscriber goroutines are never starved.
func (fb *FrameBuffer) produce() {
	ctx := context.Background()
	for {
		result := fb.source.Next(ctx)
		switch result.Status {
		case upstream.StatusFrame:
			fb.append(result.Frame)
		case upstream.StatusTimeout:
			// Producer failure folded into timeout by upstream; the
			// source itself handles backoff before the next Next call.
			continue
		case upstream.StatusEnd:
			fb.finish()
			return
		}
	}
}

func (fb *FrameBuffer) append(f model.Frame) {
	fb.mu.Lock()
	if fb.closed {
		fb.mu.Unlock()
		return
	}
	if len(fb.ring) == fb.size {
		fb.ring = fb.ring[1:]
	}
	fb.ring = append(fb.ring, f)
	fb.length++
	fb.signal()
	fb.mu.Unlock()
}

func (fb *FrameBuffer) finish() {
	fb.mu.Lock()
	fb.closed = true
	fb.signal()
	fb.mu.Unlock()
}

// signal coalesces all pending waiters into a single wakeup: closing
// wake releases every goroutine parked on it without the notifier
// ever blocking, then a fresh channel is installed under the same
// lock for the next round of waiters. Must be called with mu held.
func (fb *FrameBuffer) signal() {
	close(fb.wake)
	fb.wake = make(chan struct{})
}

// Close stops the buffer. It is idempotent; it does not wait for the
// producer goroutine, it only interrupts the upstream source so the
// producer's next loop iteration observes StatusEnd (or a stuck
// socket read is unblocked by the source's own socket timeout).
func (fb *FrameBuffer) Close() error {
	fb.mu.Lock()
	alreadyClosed := fb.closed
	fb.closed = true
	fb.signal()
	fb.mu.Unlock()
	if !alreadyClosed {
		return fb.source.Close()
	}
	return nil
}

// Subscribe returns a Subscription starting at the most recent frame.
func (fb *FrameBuffer) Subscribe() stream.Subscription {
	fb.mu.Lock()
	cursor := max(0, fb.length-1)
	fb.mu.Unlock()
	return &subscription{fb: fb, cursor: cursor}
}

type subscription struct {
	fb     *FrameBuffer
	cursor int
}

// Next implements stream.Subscription.
func (s *subscription) Next(ctx context.Context) stream.Event {
	fb := s.fb
	fb.mu.Lock()
	for s.cursor == fb.length && !fb.closed {
		wake := fb.wake
		fb.mu.Unlock()

		timer := time.NewTimer(fb.frameTO)
		select {
		case <-wake:
		case <-timer.C:
			timer.Stop()
			return stream.Event{Status: stream.StatusTimeout}
		case <-ctx.Done():
			timer.Stop()
			return stream.Event{Status: stream.StatusTimeout}
		}
		timer.Stop()
		fb.mu.Lock()
	}

	if s.cursor == fb.length && fb.closed {
		fb.mu.Unlock()
		return stream.Event{Status: stream.StatusEnd}
	}

	oldest := fb.length - len(fb.ring)
	if s.cursor < oldest {
		skipped := oldest - s.cursor
		s.cursor = oldest
		metrics.DroppedFramesTotal.Add(float64(skipped))
		fb.log.Warnw("subscriber fell behind, snapping cursor forward", "skipped_frames", skipped)
	}

	frame := fb.ring[s.cursor-oldest]
	s.cursor++
	fb.mu.Unlock()
	return stream.Event{Status: stream.StatusFrame, Frame: frame}
}
