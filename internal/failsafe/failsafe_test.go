package failsafe

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaycam/puppyserv/internal/model"
	"github.com/relaycam/puppyserv/internal/stream"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// fakeBuffer is a hand-wired stream.Subscribable driven by a channel
// of canned events; every Subscribe call shares the same feed.
type fakeBuffer struct {
	mu     sync.Mutex
	events chan stream.Event
	closed bool
}

func newFakeBuffer() *fakeBuffer {
	return &fakeBuffer{events: make(chan stream.Event, 64)}
}

func (f *fakeBuffer) push(ev stream.Event) { f.events <- ev }

func (f *fakeBuffer) Subscribe() stream.Subscription { return &fakeSub{f} }

func (f *fakeBuffer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeSub struct{ f *fakeBuffer }

func (s *fakeSub) Next(ctx context.Context) stream.Event {
	select {
	case ev := <-s.f.events:
		return ev
	case <-ctx.Done():
		return stream.Event{Status: stream.StatusTimeout}
	}
}

func frameEvent(data string) stream.Event {
	return stream.Event{Status: stream.StatusFrame, Frame: model.Frame{ContentType: "image/jpeg", Data: []byte(data)}}
}

func TestBufferPassesThroughFramesFromPrimary(t *testing.T) {
	primary := newFakeBuffer()
	backupBuilt := false
	buf := New(primary, func() stream.Subscribable {
		backupBuilt = true
		return newFakeBuffer()
	}, testLogger())
	defer buf.Close()

	sub := buf.Subscribe()
	primary.push(frameEvent("f1"))
	ev := sub.Next(context.Background())
	if ev.Status != stream.StatusFrame || string(ev.Frame.Data) != "f1" {
		t.Fatalf("got %+v", ev)
	}
	if backupBuilt {
		t.Error("backup should not be built while primary is healthy")
	}
}

func TestTimeoutSwitchesSubscriberToBackup(t *testing.T) {
	primary := newFakeBuffer()
	backup := newFakeBuffer()
	buf := New(primary, func() stream.Subscribable { return backup }, testLogger())
	defer buf.Close()

	sub := buf.Subscribe()
	primary.push(stream.Event{Status: stream.StatusTimeout})

	ev := sub.Next(context.Background())
	if ev.Status != stream.StatusTimeout {
		t.Fatalf("first timeout should still be yielded to caller, got %+v", ev)
	}

	// switchToBackup installs the backup before sub.Next returns;
	// confirm it is in place.
	waitUntil(t, func() bool { return buf.currentBackup() != nil })

	backup.push(frameEvent("b1"))
	ev2 := sub.Next(context.Background())
	if ev2.Status != stream.StatusFrame || string(ev2.Frame.Data) != "b1" {
		t.Fatalf("expected frame from backup, got %+v", ev2)
	}
}

func TestRecoveryAfterThreeConsecutiveFramesSwitchesBack(t *testing.T) {
	primary := newFakeBuffer()
	backup := newFakeBuffer()
	buf := New(primary, func() stream.Subscribable { return backup }, testLogger())
	defer buf.Close()

	sub := buf.Subscribe()
	primary.push(stream.Event{Status: stream.StatusTimeout})
	sub.Next(context.Background())
	waitUntil(t, func() bool { return buf.currentBackup() != nil })

	// The monitor subscribes to primary independently of sub; feed it
	// 3 healthy frames to trigger recovery.
	primary.push(frameEvent("p1"))
	primary.push(frameEvent("p2"))
	primary.push(frameEvent("p3"))

	waitUntil(t, func() bool { return buf.currentBackup() == nil })

	// sub has switched back to primary; a fresh primary frame should
	// reach it directly, not via backup.
	primary.push(frameEvent("p4"))
	ev := sub.Next(context.Background())
	if ev.Status != stream.StatusFrame || string(ev.Frame.Data) != "p4" {
		t.Fatalf("got %+v, want frame p4 from primary after recovery", ev)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(time.Millisecond):
		}
	}
}
