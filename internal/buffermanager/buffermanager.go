// Package buffermanager reference-counts clients against a single
// active stream.Subscribable, creating it on first client arrival and
// tearing it down (after a holdoff) once the last client leaves.
package buffermanager

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaycam/puppyserv/internal/metrics"
	"github.com/relaycam/puppyserv/internal/stream"
)

// Builder constructs a fresh stream.Subscribable for the currently
// configured buffer factory.
type Builder func() stream.Subscribable

// Manager owns the lifecycle of the single active buffer shared by
// every currently-connected client.
type Manager struct {
	log *zap.SugaredLogger

	mu        sync.Mutex
	key       any // comparable value identifying the current Builder's configuration
	build     Builder
	holdoff   time.Duration
	nClients  int
	buffer    stream.Subscribable
	stopTimer *time.Timer
}

// New constructs a Manager. key identifies the configuration that
// produced build, for change detection in SetBuilder.
func New(key any, build Builder, holdoff time.Duration, log *zap.SugaredLogger) *Manager {
	return &Manager{key: key, build: build, holdoff: holdoff, log: log}
}

// NClients reports the current reference count.
func (m *Manager) NClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nClients
}

// Lease is a client's handle on the active buffer. Callers must call
// Release exactly once, typically via defer, when they stop reading.
type Lease struct {
	m        *Manager
	buf      stream.Subscribable
	sub      stream.Subscription
	released atomic.Bool
}

// Acquire registers a new client and returns a Lease over the active
// buffer, constructing it if this is the first client (or reusing one
// whose stop-timer was still pending).
func (m *Manager) Acquire() *Lease {
	m.mu.Lock()
	if m.nClients == 0 {
		if m.buffer == nil {
			m.startLocked()
		} else if m.stopTimer != nil {
			m.stopTimer.Stop()
			m.stopTimer = nil
		}
	}
	m.nClients++
	buf := m.buffer
	m.mu.Unlock()
	metrics.Clients.Inc()

	return &Lease{m: m, buf: buf, sub: buf.Subscribe()}
}

// Next yields the next Event from the active buffer. If the buffer
// has ended but the Manager has since replaced active_buffer (a
// config-driven factory change), the Lease transparently re-subscribes
// to the new buffer and continues; otherwise it reports the terminal
// End to the caller.
func (l *Lease) Next(ctx context.Context) stream.Event {
	for {
		ev := l.sub.Next(ctx)
		if ev.Status != stream.StatusEnd {
			return ev
		}
		l.m.mu.Lock()
		current := l.m.buffer
		l.m.mu.Unlock()
		if current == nil || current == l.buf {
			return ev
		}
		l.buf = current
		l.sub = current.Subscribe()
	}
}

// Release decrements the reference count, arming the stop-timer
// holdoff if this was the last client. Safe to call more than once;
// only the first call has effect.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.m.release()
	}
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nClients--
	metrics.Clients.Dec()
	if m.nClients == 0 {
		m.stopLocked(m.holdoff)
	}
}

// startLocked must be called with mu held.
func (m *Manager) startLocked() {
	m.buffer = m.build()
	m.log.Info("started stream capture")
}

// stopLocked must be called with mu held. holdoff <= 0 stops
// synchronously; otherwise the stop is deferred and may be cancelled
// by a subsequent Acquire.
func (m *Manager) stopLocked(holdoff time.Duration) {
	if m.stopTimer != nil {
		m.stopTimer.Stop()
		m.stopTimer = nil
	}
	if holdoff <= 0 {
		m.closeActiveLocked()
		return
	}
	m.stopTimer = time.AfterFunc(holdoff, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.closeActiveLocked()
	})
}

// closeActiveLocked must be called with mu held.
func (m *Manager) closeActiveLocked() {
	buf := m.buffer
	m.buffer = nil
	m.stopTimer = nil
	if buf != nil {
		m.log.Info("stopped stream capture")
		go buf.Close()
	}
}

// SetBuilder installs a new Builder if key differs from the
// currently active one (change detection is by value, per a plain
// comparable configuration key rather than function identity). If a
// buffer is currently active it is closed immediately (holdoff 0)
// and, if clients remain attached, a new one is started right away so
// they keep streaming without an explicit resubscribe.
func (m *Manager) SetBuilder(key any, build Builder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reflect.DeepEqual(key, m.key) {
		return
	}
	m.log.Info("stream configuration changed")
	m.key = key
	m.build = build
	if m.buffer != nil {
		m.stopLocked(0)
		if m.nClients > 0 {
			m.startLocked()
		}
	}
}

// SetHoldoff updates the stop-stream holdoff used by future releases.
func (m *Manager) SetHoldoff(d time.Duration) {
	m.mu.Lock()
	m.holdoff = d
	m.mu.Unlock()
}
