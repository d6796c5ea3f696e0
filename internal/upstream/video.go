package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/relaycam/puppyserv/internal/model"
	"github.com/relaycam/puppyserv/internal/ratelimit"
)

// VideoSource consumes a multipart/x-mixed-replace MJPEG stream from
// a single HTTP endpoint. Next is only ever called by a single
// producer goroutine; Close may be called concurrently from another
// goroutine to interrupt an in-flight read.
type VideoSource struct {
	url           string
	userAgent     string
	socketTimeout time.Duration

	client  *resty.Client
	limiter *ratelimit.Bucket
	backoff *ratelimit.Backoff
	log     *zap.SugaredLogger

	closed atomic.Bool

	connMu sync.Mutex
	body   io.ReadCloser // guarded by connMu; closing it unblocks a pending Read

	// The following are touched only by the producer goroutine via Next.
	reader      *bufio.Reader
	boundary    string
	contentType string // content-type of the first part; subsequent parts must match
}

// NewVideoSource builds a VideoSource. opts.SocketTimeout bounds both
// the initial connect (via a timer that cancels the request context
// if the response headers have not arrived in time) and every
// subsequent part read (via a watchdog that force-closes the
// connection if a read stalls, the same mechanism Close uses to
// interrupt a pending read from another goroutine), and seeds the
// reconnect backoff's initial delay, matching the Python original's
// `BackoffRateLimiter(socket_timeout)`.
func NewVideoSource(rawURL string, opts Options, client *resty.Client, log *zap.SugaredLogger) (*VideoSource, error) {
	u, err := validateURL(rawURL)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &VideoSource{
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
func (s *VideoSource) Next(ctx context.Context) Result {
	if s.closed.Load() {
		return endResult
	}
	if err := s.limiter.Next(ctx); err != nil {
		return timeoutResult
	}
	if s.closed.Load() {
		return endResult
	}

	if s.reader == nil {
		if err := s.backoff.Next(ctx); err != nil {
			return timeoutResult
		}
		if err := s.open(ctx); err != nil {
			s.log.Warnw("opening video stream failed", "url", s.url, "error", err)
			return timeoutResult
		}
	}

	frame, err := s.readPartWithTimeout()
	if err != nil {
		s.log.Warnw("reading video part failed", "url", s.url, "error", err)
		s.closeConn()
		return timeoutResult
	}
	if frame == nil {
		// Clean end-of-multipart terminator: upstream hung up politely.
		s.closeConn()
		return endResult
	}
	s.backoff.Reset()
	return frameResult(*frame)
}

// Close implements Source. It may race with an in-flight Next; that
// is intentional, since closing the response body is how we unblock
// a read that is stuck on a stalled socket.
func (s *VideoSource) Close() error {
	s.closed.Store(true)
	s.closeBody()
	return nil
}

// closeConn is called only by the producer goroutine, after a read
// failure or a clean end-of-stream.
func (s *VideoSource) closeConn() {
	s.closeBody()
	s.reader = nil
	s.boundary = ""
	s.contentType = ""
}

// closeBody may be called concurrently with a pending read, either
// from Close (an external caller interrupting the source for good)
// or from the socket-timeout watchdog (interrupting just this
// connection, so the producer reconnects on its next Next call).
func (s *VideoSource) closeBody() {
	s.connMu.Lock()
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
	s.connMu.Unlock()
}

// readPartWithTimeout bounds readPart by socketTimeout: if the read
// hasn't completed in time, the watchdog closes the body out from
// under it, which unblocks the pending Read with an error.
func (s *VideoSource) readPartWithTimeout() (*model.Frame, error) {
	timer := time.AfterFunc(s.socketTimeout, s.closeBody)
	defer timer.Stop()
	return s.readPart()
}

func (s *VideoSource) open(ctx context.Context) error {
	// The request context also governs reads of the streamed body, so it
	// is cancelled only when open fails; a timer bounds the connect.
	ctx, cancel := context.WithCancel(ctx)
	connected := false
	defer func() {
		if !connected {
			cancel()
		}
	}()
	connectTimer := time.AfterFunc(s.socketTimeout, cancel)
	defer connectTimer.Stop()
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", s.userAgent).
		SetHeader("Accept", "*/*").
		SetDoNotParseResponse(true).
		Get(s.url)
	if err != nil {
		return newConnectionError(err.Error())
	}
	if resp.StatusCode() != 200 {
		resp.RawBody().Close()
		return newConnectionError(fmt.Sprintf("unexpected status %s", resp.Status()))
	}
	contentType := resp.Header().Get("Content-Type")
	mediaType, params := splitContentType(contentType)
	if model.MainType(mediaType) != "multipart" {
		resp.RawBody().Close()
		return newProtocolError("response is not multipart/x-mixed-replace: " + contentType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		resp.RawBody().Close()
		return newProtocolError("missing multipart boundary")
	}

	s.connMu.Lock()
	s.body = resp.RawBody()
	s.connMu.Unlock()

	s.reader = bufio.NewReaderSize(s.body, 64*1024)
	s.boundary = boundary
	s.contentType = ""
	connected = true
	return nil
}

// readPart is called only by the producer goroutine. A nil frame
// with a nil error means the terminal "--boundary--" was seen.
func (s *VideoSource) readPart() (*model.Frame, error) {
	sep, err := s.readBoundaryLine()
	if err != nil {
		return nil, err
	}
	if sep == "--"+s.boundary+"--" {
		return nil, nil
	}
	if sep != "--"+s.boundary {
		return nil, newProtocolError("bad boundary line: " + sep)
	}

	tp := textproto.NewReader(s.reader)
	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, newProtocolError("reading part header: " + err.Error())
	}
	contentLength := header.Get("Content-Length")
	if contentLength == "" {
		return nil, newProtocolError("part is missing Content-Length")
	}
	n, err := strconv.Atoi(strings.TrimSpace(contentLength))
	if err != nil || n < 0 {
		return nil, newProtocolError("invalid Content-Length: " + contentLength)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(s.reader, data); err != nil {
		return nil, newConnectionError("short read on part body: " + err.Error())
	}

	partType := header.Get("Content-Type")
	if s.contentType == "" {
		if model.MainType(partType) != "image" {
			return nil, newProtocolError("first part is not an image: " + partType)
		}
		s.contentType = partType
	} else if partType != s.contentType {
		return nil, newProtocolError("content-type changed mid-stream: " + partType)
	}

	// Consume the trailing CRLF that terminates the part body.
	if _, err := s.reader.ReadString('\n'); err != nil {
		return nil, newConnectionError(err.Error())
	}

	return &model.Frame{ContentType: partType, Data: data}, nil
}

// readBoundaryLine reads the boundary separator line, tolerating one
// optional leading blank line per spec.md's ABNF.
func (s *VideoSource) readBoundaryLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", newConnectionError(err.Error())
	}
	sep := strings.TrimRight(line, "\r\n")
	if sep != "" {
		return sep, nil
	}
	line, err = s.reader.ReadString('\n')
	if err != nil {
		return "", newConnectionError(err.Error())
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// splitContentType is a small stand-in for mime.ParseMediaType that
// tolerates the loosely-quoted boundary params some cheap IP cameras
// emit.
func splitContentType(contentType string) (string, map[string]string) {
	parts := strings.Split(contentType, ";")
	mediaType := strings.TrimSpace(parts[0])
	params := map[string]string{}
	for _, part := range parts[1:] {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		params[key] = val
	}
	return mediaType, params
}
