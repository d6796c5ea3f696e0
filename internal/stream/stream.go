// Package stream defines the shared consumer-facing vocabulary used
// by FrameBuffer, FailsafeBuffer, and BufferManager: a Subscription
// yields a sequence of Events, each either a Frame, a Timeout
// sentinel, or the terminal End.
package stream

import (
	"context"

	"github.com/relaycam/puppyserv/internal/model"
)

// Status classifies an Event.
type Status int

const (
	// StatusFrame means Event.Frame holds the next frame in sequence.
	StatusFrame Status = iota
	// StatusTimeout means the subscriber's wait exceeded frame_timeout
	// without a new frame arriving; the subscriber's cursor does not
	// advance and the caller may substitute a placeholder frame.
	StatusTimeout
	// StatusEnd means the buffer is closed and fully drained; no
	// further Events will ever be produced by this Subscription.
	StatusEnd
)

func (s Status) String() string {
	switch s {
	case StatusFrame:
		return "frame"
	case StatusTimeout:
		return "timeout"
	case StatusEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one item yielded by a Subscription.
type Event struct {
	Status Status
	Frame  model.Frame
}

// Subscription is a per-client cursor into a Subscribable's frame
// sequence.
type Subscription interface {
	// Next blocks until the next Event is ready.
	Next(ctx context.Context) Event
}

// Subscribable can be subscribed to by any number of independent
// Subscriptions.
type Subscribable interface {
	Subscribe() Subscription
	Close() error
}
