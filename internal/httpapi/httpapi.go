// Package httpapi exposes the relay's snapshot and streaming
// endpoints, delegating frame acquisition to a buffermanager.Manager.
package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaycam/puppyserv/internal/buffermanager"
	"github.com/relaycam/puppyserv/internal/config"
	"github.com/relaycam/puppyserv/internal/metrics"
	"github.com/relaycam/puppyserv/internal/ratelimit"
	"github.com/relaycam/puppyserv/internal/stream"
)

// Boundary is the fixed multipart boundary used by the streaming
// endpoint.
const Boundary = "puppyserv-92af5f768c28fad8"

// ServerName is reported in the downstream Server header.
const ServerName = "puppyserv"

// Handler serves /snapshot and / (streaming), delegating acquisition
// to mgr and substituting settings().TimeoutImage for a Timeout event.
type Handler struct {
	mgr      *buffermanager.Manager
	settings func() config.Settings
	log      *zap.SugaredLogger
}

// New builds a Handler. settings is called on every request so
// reconfiguration (e.g. a new timeout_image) takes effect immediately.
func New(mgr *buffermanager.Manager, settings func() config.Settings, log *zap.SugaredLogger) *Handler {
	return &Handler{mgr: mgr, settings: settings, log: log}
}

// Mux returns an http.Handler routing /snapshot, / and /metrics.
func (h *Handler) Mux(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", h.handleSnapshot)
	mux.HandleFunc("/", h.handleStream)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}

func allowGetOrHead(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/snapshot" {
		http.NotFound(w, r)
		return
	}
	if !allowGetOrHead(w, r) {
		return
	}

	lease := h.mgr.Acquire()
	defer lease.Release()

	ev := lease.Next(r.Context())
	switch ev.Status {
	case stream.StatusEnd:
		http.Error(w, "Not connected to webcam", http.StatusGatewayTimeout)
	case stream.StatusTimeout:
		http.Error(w, "webcam connection timed out", http.StatusGatewayTimeout)
	default:
		metrics.FramesTotal.Inc()
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Type", ev.Frame.ContentType)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(ev.Frame.Data)
		}
	}
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !allowGetOrHead(w, r) {
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", Boundary))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Server", ServerName)
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	lease := h.mgr.Acquire()
	defer lease.Release()

	// Fan-out rate cap: each subscriber is paced to its even share of
	// max_total_framerate, recomputed every frame as clients join or
	// leave, mirroring the per-client BucketRateLimiter the original
	// wraps around its stream generator.
	fanout := ratelimit.NewBucket(h.fanoutMaxRate(), 10)

	ctx := r.Context()
	for {
		if err := fanout.Next(ctx); err != nil {
			return
		}

		ev := lease.Next(ctx)
		frame := ev.Frame
		switch ev.Status {
		case stream.StatusEnd:
			fmt.Fprintf(w, "--%s--\r\n", Boundary)
			flusher.Flush()
			return
		case stream.StatusTimeout:
			metrics.TimeoutsTotal.Inc()
			frame = h.settings().TimeoutImage
		default:
			metrics.FramesTotal.Inc()
		}
		fanout.SetMaxRate(h.fanoutMaxRate())

		if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: %s\r\nContent-length: %d\r\n\r\n", Boundary, frame.ContentType, len(frame.Data)); err != nil {
			h.log.Debugw("client disconnected mid-stream", "error", err)
			return
		}
		if _, err := w.Write(frame.Data); err != nil {
			h.log.Debugw("client disconnected mid-stream", "error", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			h.log.Debugw("client disconnected mid-stream", "error", err)
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// fanoutMaxRate is total_framerate_budget / n_clients, this
// subscriber's even share of the configured max_total_framerate.
func (h *Handler) fanoutMaxRate() float64 {
	n := h.mgr.NClients()
	if n < 1 {
		n = 1
	}
	rate := h.settings().MaxTotalFramerate
	if rate <= 0 {
		rate = config.DefaultMaxTotalFramerate
	}
	return rate / float64(n)
}
