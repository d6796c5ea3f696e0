package buffermanager

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaycam/puppyserv/internal/stream"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

type fakeBuffer struct {
	events chan stream.Event
	closed chan struct{}
}

func newFakeBuffer() *fakeBuffer {
	return &fakeBuffer{events: make(chan stream.Event, 64), closed: make(chan struct{})}
}

func (f *fakeBuffer) push(ev stream.Event) { f.events <- ev }

func (f *fakeBuffer) Subscribe() stream.Subscription { return &fakeSub{f} }

func (f *fakeBuffer) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

type fakeSub struct{ f *fakeBuffer }

func (s *fakeSub) Next(ctx context.Context) stream.Event {
	select {
	case ev := <-s.f.events:
		return ev
	case <-s.f.closed:
		return stream.Event{Status: stream.StatusEnd}
	}
}

func TestAcquireBuildsBufferOnlyOnce(t *testing.T) {
	builds := 0
	var built *fakeBuffer
	build := func() stream.Subscribable {
		builds++
		built = newFakeBuffer()
		return built
	}
	m := New("k", build, 0, testLogger())

	l1 := m.Acquire()
	l2 := m.Acquire()
	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}
	if m.NClients() != 2 {
		t.Fatalf("NClients = %d, want 2", m.NClients())
	}
	l1.Release()
	l2.Release()
	_ = built
}

func TestHoldoffReuseAvoidsRebuild(t *testing.T) {
	builds := 0
	build := func() stream.Subscribable {
		builds++
		return newFakeBuffer()
	}
	m := New("k", build, 50*time.Millisecond, testLogger())

	l1 := m.Acquire()
	l1.Release()
	l2 := m.Acquire()
	defer l2.Release()

	if builds != 1 {
		t.Fatalf("builds = %d, want 1 (holdoff should have been cancelled by second Acquire)", builds)
	}
}

func TestZeroHoldoffClosesImmediatelyOnLastRelease(t *testing.T) {
	var built *fakeBuffer
	build := func() stream.Subscribable {
		built = newFakeBuffer()
		return built
	}
	m := New("k", build, 0, testLogger())
	l := m.Acquire()
	l.Release()

	deadline := time.After(time.Second)
	for {
		select {
		case <-built.closed:
			return
		case <-deadline:
			t.Fatal("buffer was not closed after last release with zero holdoff")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestLeaseResubscribesAfterBuilderChangeMidStream(t *testing.T) {
	buf1 := newFakeBuffer()
	buf2 := newFakeBuffer()
	calls := 0
	build := func() stream.Subscribable {
		calls++
		if calls == 1 {
			return buf1
		}
		return buf2
	}
	m := New("k1", build, 0, testLogger())
	lease := m.Acquire()

	m.SetBuilder("k2", build)

	buf2.push(stream.Event{Status: stream.StatusFrame})
	ev := lease.Next(context.Background())
	if ev.Status != stream.StatusFrame {
		t.Fatalf("got %+v, want a frame from the replacement buffer", ev)
	}
	lease.Release()
}

func TestSetBuilderIgnoresUnchangedKey(t *testing.T) {
	builds := 0
	build := func() stream.Subscribable {
		builds++
		return newFakeBuffer()
	}
	m := New("k1", build, 0, testLogger())
	l := m.Acquire()
	defer l.Release()

	m.SetBuilder("k1", build)
	if builds != 1 {
		t.Fatalf("builds = %d, want 1 (SetBuilder with the same key must be a no-op)", builds)
	}
}
