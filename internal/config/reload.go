package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// PollInterval is the stat-polling cadence spec.md's reload loop
// specifies. fsnotify, when available, only shortens the typical
// reload latency below this ceiling; it never changes what gets
// reloaded or when polling itself happens.
const PollInterval = 5 * time.Second

type statKey struct {
	modTime time.Time
	size    int64
}

// settingsEqual compares Settings by value; Settings embeds a Frame
// (which holds a []byte and so isn't comparable with ==), so a plain
// field-by-field comparison is used instead of reflect.DeepEqual to
// keep the common case (no timeout_image configured) allocation-free.
func settingsEqual(a, b Settings) bool {
	return a.MaxTotalFramerate == b.MaxTotalFramerate &&
		a.StopStreamHoldoff == b.StopStreamHoldoff &&
		a.FrameTimeout == b.FrameTimeout &&
		a.BufferSpec == b.BufferSpec &&
		a.TimeoutImage.ContentType == b.TimeoutImage.ContentType &&
		string(a.TimeoutImage.Data) == string(b.TimeoutImage.Data)
}

func statFile(path string) (statKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return statKey{}, err
	}
	return statKey{modTime: info.ModTime(), size: info.Size()}, nil
}

// Listener is notified, with the already-applied Settings, once per
// reload round in which at least one key changed.
type Listener func(Settings)

// Manager owns the currently active Settings and reloads them from
// disk on a timer (and, best-effort, on fsnotify events).
type Manager struct {
	path string
	log  *zap.SugaredLogger

	mu        sync.RWMutex
	current   Settings
	lastStat  statKey
	listeners []Listener
}

// NewManager loads path for the first time and returns a Manager
// holding the coerced Settings. Settings holding every key's default
// is used as the "previous" value for coercion fallback on first load.
func NewManager(path string, log *zap.SugaredLogger) (*Manager, error) {
	m := &Manager{path: path, log: log, current: Coerce(RawSettings{}, Settings{}, func(string, error) {})}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the currently active Settings.
func (m *Manager) Current() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Listen registers a callback invoked after every reload round that
// changed at least one key. The callback is also invoked once,
// synchronously, with the settings already loaded at registration time
// so a late subscriber doesn't miss the current state.
func (m *Manager) Listen(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	current := m.current
	m.mu.Unlock()
	l(current)
}

// reload stats the file, and if it changed (or this is the first
// load), re-parses and re-coerces it, applying the result
// transactionally and notifying listeners.
func (m *Manager) reload() error {
	st, err := statFile(m.path)
	if err != nil {
		return err
	}

	m.mu.RLock()
	same := m.lastStat == st
	m.mu.RUnlock()
	if same {
		return nil
	}

	raw, err := ParseFile(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.current
	next := Coerce(raw, prev, func(key string, err error) {
		m.log.Warnw("invalid configuration value, keeping previous", "key", key, "error", err)
	})
	changed := !settingsEqual(next, prev)
	m.current = next
	m.lastStat = st
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if changed {
		m.log.Infow("configuration reloaded", "path", m.path)
		for _, l := range listeners {
			l(next)
		}
	}
	return nil
}

// Run polls the configuration file every PollInterval until ctx is
// cancelled, reloading on change. It also starts a best-effort
// fsnotify watcher on the file's parent directory that triggers an
// immediate reload check on any write/create/rename touching the
// file, so edits are usually picked up faster than the poll ceiling.
func (m *Manager) Run(ctx context.Context) {
	trigger := make(chan struct{}, 1)
	if w, err := m.watch(ctx, trigger); err != nil {
		m.log.Warnw("config file watcher unavailable, falling back to polling only", "error", err)
	} else {
		defer w.Close()
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.reload(); err != nil {
				m.log.Warnw("config reload check failed", "error", err)
			}
		case <-trigger:
			if err := m.reload(); err != nil {
				m.log.Warnw("config reload check failed", "error", err)
			}
		}
	}
}

func (m *Manager) watch(ctx context.Context, trigger chan<- struct{}) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	target := filepath.Clean(m.path)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				select {
				case trigger <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Warnw("config file watcher error", "error", err)
			}
		}
	}()
	return watcher, nil
}
