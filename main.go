package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "github.com/joho/godotenv/autoload"

	"github.com/relaycam/puppyserv/internal/buffermanager"
	"github.com/relaycam/puppyserv/internal/config"
	"github.com/relaycam/puppyserv/internal/failsafe"
	"github.com/relaycam/puppyserv/internal/framebuffer"
	"github.com/relaycam/puppyserv/internal/httpapi"
	"github.com/relaycam/puppyserv/internal/logging"
	"github.com/relaycam/puppyserv/internal/metrics"
	"github.com/relaycam/puppyserv/internal/stream"
	"github.com/relaycam/puppyserv/internal/upstream"
	"go.uber.org/zap"
)

func main() {
	proc, err := config.LoadProcessConfig()
	if err != nil {
		log.Fatalf("loading process config: %v", err)
	}

	sugar, err := logging.New(proc.LogLevel)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer sugar.Sync()

	cfgMgr, err := config.NewManager(proc.ConfigFile, sugar)
	if err != nil {
		sugar.Fatalw("loading domain configuration", "path", proc.ConfigFile, "error", err)
	}

	httpClient := newHTTPClient()
	initial := cfgMgr.Current()
	mgr := buffermanager.New(
		initial.BufferSpec,
		bufferBuilder(initial.BufferSpec, httpClient, initial.FrameTimeout, sugar),
		initial.StopStreamHoldoff,
		sugar,
	)
	metrics.SetActiveBuffer(initial.BufferSpec.Kind)

	cfgMgr.Listen(func(s config.Settings) {
		mgr.SetHoldoff(s.StopStreamHoldoff)
		mgr.SetBuilder(s.BufferSpec, bufferBuilder(s.BufferSpec, httpClient, s.FrameTimeout, sugar))
		metrics.SetActiveBuffer(s.BufferSpec.Kind)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go cfgMgr.Run(ctx)

	handler := httpapi.New(mgr, cfgMgr.Current, sugar)
	srv := &http.Server{
		Addr:    proc.ListenAddr,
		Handler: handler.Mux(promhttp.Handler()),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	sugar.Infow("listening", "addr", proc.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Fatalw("server exited", "error", err)
	}
}

// newHTTPClient configures the shared resty.Client used by every
// webcam upstream source: a custom transport bounding idle
// connections and handshake/response-header latency, as the teacher's
// client package does for its camera fetches.
func newHTTPClient() *resty.Client {
	client := resty.New()
	client.SetTransport(&http.Transport{
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	})
	return client
}

// bufferBuilder returns a buffermanager.Builder that constructs the
// stream.Subscribable matching spec's buffer_factory: a static test
// source when configured, otherwise a webcam source, wrapped in a
// failsafe fallback to a still-image backup when both a video and a
// still URL are configured.
func bufferBuilder(spec config.BufferSpec, client *resty.Client, frameTimeout time.Duration, log *zap.SugaredLogger) buffermanager.Builder {
	return func() stream.Subscribable {
		if spec.Kind == "static" {
			src, err := upstream.NewStaticSource(spec.StaticImages, spec.StaticLoop, spec.StaticFrameRate)
			if err != nil {
				log.Errorw("failed to build static source", "error", err)
				src, _ = upstream.NewStaticSource(spec.StaticImages, true, 1.0)
			}
			return framebuffer.New(src, framebuffer.DefaultSize, frameTimeout, log)
		}

		opts := upstream.Options{
			MaxRate:       spec.WebcamMaxRate,
			SocketTimeout: spec.WebcamSocketTimeout,
			UserAgent:     spec.WebcamUserAgent,
		}

		var videoBuf *framebuffer.FrameBuffer
		if spec.WebcamStreamURL != "" {
			if src, err := upstream.NewVideoSource(spec.WebcamStreamURL, opts, client, log); err != nil {
				log.Warnw("webcam stream url not usable", "error", err)
			} else {
				videoBuf = framebuffer.New(src, framebuffer.DefaultSize, frameTimeout, log)
			}
		}

		stillFactory := func() stream.Subscribable {
			src, err := upstream.NewStillSource(spec.WebcamStillURL, opts, client, log)
			if err != nil {
				log.Errorw("failed to build still source", "error", err)
			}
			return framebuffer.New(src, framebuffer.DefaultSize, frameTimeout, log)
		}

		switch {
		case videoBuf != nil && spec.WebcamStillURL != "":
			return failsafe.New(videoBuf, stillFactory, log)
		case videoBuf != nil:
			return videoBuf
		case spec.WebcamStillURL != "":
			return stillFactory()
		default:
			log.Error("neither webcam streaming nor still capture is configured")
			return framebuffer.New(unconfiguredSource{}, 1, frameTimeout, log)
		}
	}
}

// unconfiguredSource immediately ends, used when no upstream at all
// is configured so the buffer manager still has something to build.
type unconfiguredSource struct{}

func (unconfiguredSource) Next(ctx context.Context) upstream.Result {
	return upstream.Result{Status: upstream.StatusEnd}
}

func (unconfiguredSource) Close() error { return nil }
