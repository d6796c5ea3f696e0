package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "puppyserv.conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseFileSkipsBlankLinesAndComments(t *testing.T) {
	path := writeConfigFile(t, "# a comment\n\nmax_total_framerate = 25\n webcam.url = http://cam/stream \n")
	raw, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if raw["max_total_framerate"] != "25" {
		t.Errorf("max_total_framerate = %q", raw["max_total_framerate"])
	}
	if raw["webcam.url"] != "http://cam/stream" {
		t.Errorf("webcam.url = %q", raw["webcam.url"])
	}
}

func TestCoerceAppliesDefaults(t *testing.T) {
	s := Coerce(RawSettings{}, Settings{}, func(string, error) {})
	if s.MaxTotalFramerate != DefaultMaxTotalFramerate {
		t.Errorf("MaxTotalFramerate = %v", s.MaxTotalFramerate)
	}
	if s.StopStreamHoldoff != DefaultStopStreamHoldoff {
		t.Errorf("StopStreamHoldoff = %v", s.StopStreamHoldoff)
	}
	if string(s.TimeoutImage.Data) != string(defaultTimeoutImage.Data) {
		t.Errorf("TimeoutImage should default to the bundled placeholder")
	}
}

func TestCoerceInvalidValueKeepsPrevious(t *testing.T) {
	prev := Settings{MaxTotalFramerate: 7}
	var gotWarn string
	s := Coerce(RawSettings{"max_total_framerate": "not-a-number"}, prev, func(key string, err error) {
		gotWarn = key
	})
	if s.MaxTotalFramerate != 7 {
		t.Errorf("MaxTotalFramerate = %v, want previous value 7", s.MaxTotalFramerate)
	}
	if gotWarn != "max_total_framerate" {
		t.Errorf("warn callback key = %q", gotWarn)
	}
}

func TestCoerceBufferSpecPrefersStaticWhenImagesSet(t *testing.T) {
	raw := RawSettings{
		"static.images":    "/tmp/*.jpg",
		"webcam.url":       "http://cam/stream",
		"static.loop":      "false",
		"static.frame_rate": "2",
	}
	s := Coerce(raw, Settings{}, func(string, error) {})
	if s.BufferSpec.Kind != "static" {
		t.Fatalf("Kind = %q, want static", s.BufferSpec.Kind)
	}
	if s.BufferSpec.StaticLoop {
		t.Error("StaticLoop should be false")
	}
	if s.BufferSpec.StaticFrameRate != 2 {
		t.Errorf("StaticFrameRate = %v", s.BufferSpec.StaticFrameRate)
	}
}

func TestCoerceBufferSpecFallsBackToWebcam(t *testing.T) {
	raw := RawSettings{
		"webcam.stream.url":     "http://cam/video",
		"webcam.still.url":      "http://cam/still",
		"webcam.connect_timeout": "3",
	}
	s := Coerce(raw, Settings{}, func(string, error) {})
	if s.BufferSpec.Kind != "webcam" {
		t.Fatalf("Kind = %q, want webcam", s.BufferSpec.Kind)
	}
	if s.BufferSpec.WebcamStreamURL != "http://cam/video" {
		t.Errorf("WebcamStreamURL = %q", s.BufferSpec.WebcamStreamURL)
	}
	if s.BufferSpec.WebcamSocketTimeout != 3*time.Second {
		t.Errorf("WebcamSocketTimeout = %v", s.BufferSpec.WebcamSocketTimeout)
	}
}

func TestSettingsEqualIgnoresIrrelevantAllocation(t *testing.T) {
	a := Coerce(RawSettings{}, Settings{}, func(string, error) {})
	b := Coerce(RawSettings{}, Settings{}, func(string, error) {})
	if !settingsEqual(a, b) {
		t.Error("two defaults-only coercions should compare equal")
	}
}
