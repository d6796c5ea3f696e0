// Package failsafe wraps a primary stream.Subscribable with a lazily
// constructed backup, switching subscribers over when the primary
// times out and switching them back once the primary has proven
// itself healthy again.
package failsafe

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/relaycam/puppyserv/internal/metrics"
	"github.com/relaycam/puppyserv/internal/stream"
)

// recoveryStreak is the number of consecutive non-timeout frames the
// primary must produce, while in Backup mode, before the monitor
// switches subscribers back to it.
const recoveryStreak = 3

// Factory lazily builds the backup Subscribable. It is called at most
// once per primary-timeout episode.
type Factory func() stream.Subscribable

// Buffer is a stream.Subscribable that transparently falls back to a
// backup source when its primary times out.
type Buffer struct {
	primary stream.Subscribable
	factory Factory
	log     *zap.SugaredLogger

	mu     sync.Mutex
	backup stream.Subscribable // non-nil while in Backup mode
	closed bool
}

// New builds a Buffer around primary, using factory to construct the
// backup the first time the primary times out.
func New(primary stream.Subscribable, factory Factory, log *zap.SugaredLogger) *Buffer {
	return &Buffer{primary: primary, factory: factory, log: log}
}

// Close closes the primary, the backup (if one is active), and marks
// the Buffer terminated. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	backup := b.backup
	b.backup = nil
	b.mu.Unlock()

	if backup != nil {
		backup.Close()
	}
	return b.primary.Close()
}

func (b *Buffer) currentBackup() stream.Subscribable {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backup
}

// switchToBackup constructs the backup (if not already active) and
// starts a monitor watching the primary for recovery. Safe to call
// from multiple subscriber goroutines concurrently; only the first
// caller after a recovery actually builds a backup and spawns a
// monitor.
func (b *Buffer) switchToBackup() {
	b.mu.Lock()
	if b.backup != nil || b.closed {
		b.mu.Unlock()
		return
	}
	b.backup = b.factory()
	b.mu.Unlock()
	b.log.Info("switching to backup stream")
	metrics.Failsafe.Set(metrics.FailsafeBackup)
	go b.monitorPrimary()
}

// monitorPrimary watches the primary independently of any client
// subscription, waiting for recoveryStreak consecutive non-timeout
// events (or the primary ending outright) before switching every
// in-flight subscriber back to primary.
func (b *Buffer) monitorPrimary() {
	sub := b.primary.Subscribe()
	streak := 0
	for streak < recoveryStreak {
		ev := sub.Next(context.Background())
		if ev.Status == stream.StatusEnd {
			break
		}
		if ev.Status == stream.StatusTimeout {
			streak = 0
			continue
		}
		streak++
	}

	b.log.Info("switching to primary stream")
	metrics.Failsafe.Set(metrics.FailsafePrimary)
	b.mu.Lock()
	backup := b.backup
	b.backup = nil
	b.mu.Unlock()
	if backup != nil {
		backup.Close()
	}
}

// Subscribe returns a Subscription that starts against the primary
// and transparently hands off to the backup (and back) as the Buffer's
// mode changes.
func (b *Buffer) Subscribe() stream.Subscription {
	return &subscription{buf: b, mode: modePrimary, primarySub: b.primary.Subscribe()}
}

type mode int

const (
	modePrimary mode = iota
	modeBackup
)

type subscription struct {
	buf *Buffer

	mode       mode
	primarySub stream.Subscription
	backupSub  stream.Subscription
}

// Next implements stream.Subscription.
func (s *subscription) Next(ctx context.Context) stream.Event {
	for {
		switch s.mode {
		case modePrimary:
			if backup := s.buf.currentBackup(); backup != nil {
				s.mode = modeBackup
				s.backupSub = backup.Subscribe()
				continue
			}
			ev := s.primarySub.Next(ctx)
			if ev.Status == stream.StatusTimeout {
				s.buf.switchToBackup()
			}
			return ev

		case modeBackup:
			if s.buf.currentBackup() == nil {
				s.mode = modePrimary
				s.primarySub = s.buf.primary.Subscribe()
				continue
			}
			return s.backupSub.Next(ctx)
		}
	}
}
