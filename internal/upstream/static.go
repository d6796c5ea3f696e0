package upstream

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/relaycam/puppyserv/internal/model"
)

// StaticSource is the test-only collaborator that replays a sorted
// glob of image files at a fixed frame rate, optionally looping. It
// is used by Config when `static.images` is configured, and by tests
// that need a deterministic, network-free Source.
type StaticSource struct {
	frames    []model.Frame
	loop      bool
	frameRate float64
	start     time.Time
	now       func() time.Time

	mu      sync.Mutex
	lastIdx int
	closed  bool
}

// NewStaticSource reads every file matched by the glob pattern, in
// sorted order, guessing each one's content-type from its extension.
func NewStaticSource(glob string, loop bool, frameRate float64) (*StaticSource, error) {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid glob %q: %w", glob, err)
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, fmt.Errorf("upstream: glob %q matched no files", glob)
	}
	if frameRate <= 0 {
		frameRate = 4.0
	}
	frames := make([]model.Frame, 0, len(matches))
	for _, path := range matches {
		contentType := mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			return nil, fmt.Errorf("upstream: can not guess content type of %q", path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		frames = append(frames, model.Frame{ContentType: contentType, Data: data})
	}
	return &StaticSource{
		frames:    frames,
		loop:      loop,
		frameRate: frameRate,
		start:     time.Now(),
		now:       time.Now,
		lastIdx:   -1,
	}, nil
}

// Next implements Source.
func (s *StaticSource) Next(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return endResult
	}

	elapsed := s.now().Sub(s.start).Seconds()
	pos := elapsed * s.frameRate
	if pos < 0 {
		pos = 0
	}
	idx := int(pos)
	if idx <= s.lastIdx {
		idx = s.lastIdx + 1
	}
	s.lastIdx = idx

	// Wait until this frame's scheduled time.
	due := s.start.Add(time.Duration(float64(idx) / s.frameRate * float64(time.Second)))
	if wait := due.Sub(s.now()); wait > 0 {
		s.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
		s.mu.Lock()
		if s.closed {
			return endResult
		}
	}

	frameIdx := idx
	if s.loop {
		frameIdx = idx % max(len(s.frames), 1)
	}
	if frameIdx >= len(s.frames) {
		return endResult
	}
	return frameResult(s.frames[frameIdx])
}

// Close implements Source.
func (s *StaticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
