package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/relaycam/puppyserv/internal/model"
)

// defaultTimeoutImage is substituted for a Timeout event whenever no
// timeout_image path is configured, or the configured one fails to
// load while no earlier image is held (an image loaded by a previous
// round is kept instead). It is a minimal but well-formed JPEG
// (SOI/JFIF header, EOI).
var defaultTimeoutImage = model.Frame{
	ContentType: "image/jpeg",
	Data: []byte{
		0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01,
		0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0xFF, 0xD9,
	},
}

// BufferSpec identifies, by value, which kind of UpstreamSource the
// current configuration describes. Two equal BufferSpecs are
// considered to produce interchangeable buffers; buffermanager uses
// this for config-change detection instead of function identity.
type BufferSpec struct {
	Kind string // "static" or "webcam"

	StaticImages    string
	StaticLoop      bool
	StaticFrameRate float64

	WebcamStreamURL     string
	WebcamStillURL      string
	WebcamMaxRate       float64
	WebcamSocketTimeout time.Duration
	WebcamUserAgent     string
}

// Settings is the coerced, validated domain configuration described by
// spec.md's flat key=value file.
type Settings struct {
	MaxTotalFramerate float64
	StopStreamHoldoff time.Duration
	FrameTimeout      time.Duration
	TimeoutImage      model.Frame
	BufferSpec        BufferSpec
}

// Defaults matching the config keys' documented defaults.
const (
	DefaultMaxTotalFramerate = 50.0
	DefaultStopStreamHoldoff = 15 * time.Second
	DefaultFrameTimeout      = 5 * time.Second
)

// RawSettings is the flat key=value file, parsed but not yet coerced.
type RawSettings map[string]string

// ParseFile reads a flat key=value configuration file: blank lines and
// lines starting with # are ignored; each remaining line is split on
// the first '='.
func ParseFile(path string) (RawSettings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw := RawSettings{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		raw[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return raw, nil
}

// Coerce turns RawSettings into Settings, logging and retaining prev's
// value for any key that fails to coerce. prev may be the zero
// Settings on first load.
func Coerce(raw RawSettings, prev Settings, warn func(key string, err error)) Settings {
	out := prev

	if v, err := coercePositiveFloat(raw, "max_total_framerate", DefaultMaxTotalFramerate); err != nil {
		warn("max_total_framerate", err)
	} else {
		out.MaxTotalFramerate = v
	}

	if v, err := coercePositiveSeconds(raw, "stop_stream_holdoff", DefaultStopStreamHoldoff); err != nil {
		warn("stop_stream_holdoff", err)
	} else {
		out.StopStreamHoldoff = v
	}

	if v, err := coercePositiveSeconds(raw, "frame_timeout", DefaultFrameTimeout); err != nil {
		warn("frame_timeout", err)
	} else {
		out.FrameTimeout = v
	}

	if v, err := coerceTimeoutImage(raw); err != nil {
		warn("timeout_image", err)
		if out.TimeoutImage.Data == nil {
			out.TimeoutImage = defaultTimeoutImage
		}
	} else {
		out.TimeoutImage = v
	}

	out.BufferSpec = coerceBufferSpec(raw)

	return out
}

func coercePositiveFloat(raw RawSettings, key string, dflt float64) (float64, error) {
	s, ok := raw[key]
	if !ok || s == "" {
		return dflt, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s: %v is not positive", key, v)
	}
	return v, nil
}

func coercePositiveSeconds(raw RawSettings, key string, dflt time.Duration) (time.Duration, error) {
	s, ok := raw[key]
	if !ok || s == "" {
		return dflt, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s: %v is not positive", key, v)
	}
	return time.Duration(v * float64(time.Second)), nil
}

func coerceBool(raw RawSettings, key string, dflt bool) bool {
	s, ok := raw[key]
	if !ok || s == "" {
		return dflt
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return dflt
	}
	return v
}

func coerceTimeoutImage(raw RawSettings) (model.Frame, error) {
	path, ok := raw["timeout_image"]
	if !ok || path == "" {
		return defaultTimeoutImage, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Frame{}, err
	}
	if !model.IsValidJPEG(data) {
		return model.Frame{}, fmt.Errorf("timeout_image %s is not a well-formed JPEG", path)
	}
	return model.Frame{ContentType: "image/jpeg", Data: data}, nil
}

func coerceBufferSpec(raw RawSettings) BufferSpec {
	if images := raw["static.images"]; images != "" {
		return BufferSpec{
			Kind:            "static",
			StaticImages:    images,
			StaticLoop:      coerceBool(raw, "static.loop", true),
			StaticFrameRate: mustPositiveFloat(raw, "static.frame_rate", 1.0),
		}
	}

	streamURL := raw["webcam.stream.url"]
	if streamURL == "" {
		streamURL = raw["webcam.url"]
	}
	socketTimeout := raw["webcam.socket_timeout"]
	if socketTimeout == "" {
		socketTimeout = raw["webcam.connect_timeout"]
	}
	return BufferSpec{
		Kind:                "webcam",
		WebcamStreamURL:     streamURL,
		WebcamStillURL:      raw["webcam.still.url"],
		WebcamMaxRate:       mustPositiveFloat(raw, "webcam.max_rate", 3.0),
		WebcamSocketTimeout: mustSeconds(socketTimeout, 10*time.Second),
		WebcamUserAgent:     raw["webcam.user_agent"],
	}
}

func mustPositiveFloat(raw RawSettings, key string, dflt float64) float64 {
	v, err := coercePositiveFloat(raw, key, dflt)
	if err != nil {
		return dflt
	}
	return v
}

func mustSeconds(s string, dflt time.Duration) time.Duration {
	if s == "" {
		return dflt
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return dflt
	}
	return time.Duration(v * float64(time.Second))
}
