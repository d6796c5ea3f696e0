package upstream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/relaycam/puppyserv/internal/model"
	"github.com/relaycam/puppyserv/internal/ratelimit"
)

// StillSource repeatedly polls a still-image endpoint, yielding one
// Frame per successful GET.
type StillSource struct {
	url           string
	userAgent     string
	socketTimeout time.Duration

	client  *resty.Client
	limiter *ratelimit.Bucket
	backoff *ratelimit.Backoff
	log     *zap.SugaredLogger

	closed atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc // cancels the in-flight fetch, if any
}

// NewStillSource builds a StillSource. opts.SocketTimeout bounds each
// fetch via a per-request context deadline.
func NewStillSource(rawURL string, opts Options, client *resty.Client, log *zap.SugaredLogger) (*StillSource, error) {
	u, err := validateURL(rawURL)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &StillSource{
		url:           u.String(),
		userAgent:     opts.UserAgent,
		socketTimeout: opts.SocketTimeout,
		client:        client,
		limiter:       ratelimit.NewBucket(opts.MaxRate, opts.BucketSize),
		backoff:       ratelimit.NewBackoff(opts.SocketTimeout, 0, 0),
		log:           log,
	}, nil
}

// Next implements Source.
func (s *StillSource) Next(ctx context.Context) Result {
	if s.closed.Load() {
		return endResult
	}
	if err := s.limiter.Next(ctx); err != nil {
		return timeoutResult
	}
	if err := s.backoff.Next(ctx); err != nil {
		return timeoutResult
	}
	if s.closed.Load() {
		return endResult
	}

	frame, err := s.fetch(ctx)
	if err != nil {
		s.log.Warnw("still image request failed", "url", s.url, "error", err)
		return timeoutResult
	}
	s.backoff.Reset()
	return frameResult(*frame)
}

func (s *StillSource) fetch(ctx context.Context) (*model.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.socketTimeout)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", s.userAgent).
		SetHeader("Connection", "keep-alive").
		SetHeader("Cache-Control", "no-cache").
		SetHeader("Pragma", "no-cache").
		SetHeader("Accept", "*/*").
		Get(s.url)
	if err != nil {
		return nil, newConnectionError(err.Error())
	}
	if resp.StatusCode() != 200 {
		return nil, newConnectionError("unexpected status " + resp.Status())
	}
	contentType := resp.Header().Get("Content-Type")
	if model.MainType(contentType) != "image" {
		return nil, newProtocolError("response is not an image: " + contentType)
	}
	body := resp.Body()
	data := make([]byte, len(body))
	copy(data, body)
	return &model.Frame{ContentType: contentType, Data: data}, nil
}

// Close implements Source. It cancels an in-flight fetch, if any, so
// a stalled still-image request does not block indefinitely even
// when Next was called with a context that has no deadline of its
// own.
func (s *StillSource) Close() error {
	s.closed.Store(true)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	return nil
}
