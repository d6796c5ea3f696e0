// Package upstream implements the Source variants that acquire
// frames from a single camera: an MJPEG multipart/x-mixed-replace
// video stream, a repeatedly-polled still-image endpoint, and a
// test-only static-image source.
package upstream

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/relaycam/puppyserv/internal/model"
)

// Status classifies what Next returned.
type Status int

const (
	// StatusFrame means Result.Frame holds a newly acquired frame.
	StatusFrame Status = iota
	// StatusTimeout means no frame arrived within the configured
	// window; a ProtocolError or ConnectionError is also reported
	// this way, after closing the failed connection.
	StatusTimeout
	// StatusEnd means the source is exhausted and will never yield
	// another frame.
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

// Result is the value returned by Source.Next.
type Result struct {
	Status Status
	Frame  model.Frame
}

var (
	timeoutResult = Result{Status: StatusTimeout}
	endResult     = Result{Status: StatusEnd}
)

func frameResult(f model.Frame) Result { return Result{Status: StatusFrame, Frame: f} }

// Source is the capability set common to all upstream variants.
type Source interface {
	// Next blocks until a frame is available, the source times out,
	// or the source ends. It never returns a ProtocolError or
	// ConnectionError directly; those are folded into StatusTimeout
	// so the caller (FrameBuffer) treats them as a retryable
	// producer failure.
	Next(ctx context.Context) Result
	// Close closes the underlying connection, if any, and marks the
	// source terminated; a subsequent Next must return StatusEnd.
	Close() error
}

// ErrNotConfigured is returned at construction time when no upstream
// URL at all is configured. It is fatal to startup only.
var ErrNotConfigured = errors.New("upstream: not configured")

// protocolError wraps a malformed-framing or wrong-content-type
// condition. It is never surfaced to callers of Next; it only drives
// the decision to close the connection and report StatusTimeout.
type protocolError struct{ msg string }

func (e *protocolError) Error() string { return "upstream: protocol error: " + e.msg }

func newProtocolError(msg string) error { return &protocolError{msg: msg} }

// connectionError wraps a socket failure or non-2xx response. Same
// handling as protocolError.
type connectionError struct{ msg string }

func (e *connectionError) Error() string { return "upstream: connection error: " + e.msg }

func newConnectionError(msg string) error { return &connectionError{msg: msg} }

// validateURL enforces spec.md §4.2's URL acceptance rule: only
// http:// URLs without embedded credentials are supported.
func validateURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" {
		return nil, errors.New("upstream: only http:// URLs are supported")
	}
	if u.User != nil {
		return nil, errors.New("upstream: embedded credentials are not supported")
	}
	return u, nil
}

// Defaults shared by the video and still sources.
const (
	DefaultMaxRate       = 3.0
	DefaultSocketTimeout = 10 * time.Second
	DefaultUserAgent     = "puppyserv (github.com/relaycam/puppyserv)"
)

// Options configures a Source's rate shaping and HTTP identity.
// Zero values fall back to the Default* constants above; a zero
// BucketSize makes the bucket size equal to MaxRate.
type Options struct {
	MaxRate       float64
	BucketSize    float64
	SocketTimeout time.Duration
	UserAgent     string
}

func (o Options) withDefaults() Options {
	if o.MaxRate <= 0 {
		o.MaxRate = DefaultMaxRate
	}
	if o.SocketTimeout <= 0 {
		o.SocketTimeout = DefaultSocketTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	return o
}
