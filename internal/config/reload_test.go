package config

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewManagerLoadsInitialSettings(t *testing.T) {
	path := writeConfigFile(t, "max_total_framerate = 12\n")
	m, err := NewManager(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if m.Current().MaxTotalFramerate != 12 {
		t.Errorf("MaxTotalFramerate = %v", m.Current().MaxTotalFramerate)
	}
}

func TestReloadPicksUpFileChange(t *testing.T) {
	path := writeConfigFile(t, "max_total_framerate = 12\n")
	m, err := NewManager(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	// Ensure the new mtime differs from the original write.
	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(path, []byte("max_total_framerate = 99\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := m.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if m.Current().MaxTotalFramerate != 99 {
		t.Errorf("MaxTotalFramerate = %v, want 99", m.Current().MaxTotalFramerate)
	}
}

func TestListenFiresOnChangeAndOnRegistration(t *testing.T) {
	path := writeConfigFile(t, "max_total_framerate = 12\n")
	m, err := NewManager(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var seen []float64
	m.Listen(func(s Settings) { seen = append(seen, s.MaxTotalFramerate) })
	if len(seen) != 1 || seen[0] != 12 {
		t.Fatalf("expected immediate callback with current settings, got %v", seen)
	}

	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(path, []byte("max_total_framerate = 30\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := m.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(seen) != 2 || seen[1] != 30 {
		t.Fatalf("expected second callback with updated settings, got %v", seen)
	}
}

func TestReloadIsNoopWhenFileUnchanged(t *testing.T) {
	path := writeConfigFile(t, "max_total_framerate = 12\n")
	m, err := NewManager(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	calls := 0
	m.Listen(func(Settings) { calls++ })
	if calls != 1 {
		t.Fatalf("calls = %d after registration", calls)
	}
	if err := m.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (reload with unchanged file must not notify)", calls)
	}
}
