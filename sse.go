package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/oauth2"
)

// SSE implements Transport over HTTP: outbound envelopes are POSTed as JSON and inbound
// envelopes arrive as server-sent events on a long-lived GET stream.
//
// The stream is opened lazily by the first Send, which blocks until the stream is open or
// fails. Events of type "message" (or without a type) carry one envelope each; an
// "endpoint" event rebinds the URL that later POSTs go to. Once the stream has been open,
// failures are logged and the stream is re-opened with exponential backoff; when the
// retries run out the transport becomes disconnected and the next Send opens a new stream.
//
// Instances should be created using NewSSE.
type SSE struct {
	id          string
	baseURL     *url.URL
	rawURL      string
	httpClient  *http.Client
	headers     http.Header
	tokenSource oauth2.TokenSource
	logger      *slog.Logger

	maxEventSize  int
	awaitEndpoint bool
	reconnect     ReconnectOptions

	// connectMu serializes opening the stream.
	connectMu sync.Mutex

	mu          sync.RWMutex
	handler     MessageHandler
	connected   bool
	postURL     string
	lastEventID string
	endpoint    chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

// SSEOption represents the options for the SSE transport.
type SSEOption func(*SSE)

// NewSSE creates an SSE transport for the server at rawURL. The URL is used both for the
// event stream and, until the server announces another endpoint, for POSTs.
func NewSSE(rawURL string, options ...SSEOption) (*SSE, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	s := &SSE{
		id:         uuid.New().String(),
		baseURL:    u,
		rawURL:     rawURL,
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
		logger:     slog.Default(),
		reconnect:  DefaultReconnectOptions(),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.tokenSource != nil {
		s.httpClient = &http.Client{
			Transport: &oauth2.Transport{Source: s.tokenSource, Base: s.httpClient.Transport},
			Timeout:   s.httpClient.Timeout,
		}
	}

	return s, nil
}

// WithSSEHTTPClient sets the HTTP client used for both the stream and POSTs. The client
// must not set a Timeout, as it would also cut the event stream.
func WithSSEHTTPClient(client *http.Client) SSEOption {
	return func(s *SSE) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithSSEHeader adds a header sent with every request.
func WithSSEHeader(key, value string) SSEOption {
	return func(s *SSE) {
		s.headers.Add(key, value)
	}
}

// WithSSETokenSource authorizes every request with a bearer token from ts.
func WithSSETokenSource(ts oauth2.TokenSource) SSEOption {
	return func(s *SSE) {
		s.tokenSource = ts
	}
}

// WithSSELogger sets the logger for the SSE transport.
func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(s *SSE) {
		s.logger = logger
	}
}

// WithSSEMaxEventSize sets the maximum size of a single event. Larger events end the
// stream with an error, which triggers a reconnect.
func WithSSEMaxEventSize(size int) SSEOption {
	return func(s *SSE) {
		s.maxEventSize = size
	}
}

// WithSSEAwaitEndpoint makes opening the stream wait for the server's "endpoint" event
// before the first POST, for servers that accept POSTs only on the announced URL.
func WithSSEAwaitEndpoint() SSEOption {
	return func(s *SSE) {
		s.awaitEndpoint = true
	}
}

// WithSSEReconnect sets the reconnect policy. Use MaxRetries 0 to disable reconnecting.
func WithSSEReconnect(opts ReconnectOptions) SSEOption {
	return func(s *SSE) {
		s.reconnect = opts
	}
}

// ID returns the random identifier of this transport, used to correlate log lines.
func (s *SSE) ID() string {
	return s.id
}

// Connected reports whether the event stream is currently open.
func (s *SSE) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetMessageHandler implements Transport.
func (s *SSE) SetMessageHandler(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Send implements Transport. It opens the event stream first if needed, then POSTs msg.
// A non-2xx answer is returned as *HTTPStatusError.
func (s *SSE) Send(ctx context.Context, msg JSONRPCMessage) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.RLock()
	postURL := s.postURL
	s.mu.RUnlock()
	if postURL == "" {
		// Closed between connecting and posting.
		return ErrTransportClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	return nil
}

// Close implements Transport. It stops the event stream and waits for the reader to exit.
// The next Send opens a fresh stream without resuming from the last event id.
func (s *SSE) Close() error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.connected = false
	s.postURL = ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	// Cleared once the reader is gone, so a late event cannot restore it.
	s.mu.Lock()
	s.lastEventID = ""
	s.mu.Unlock()

	return nil
}

func (s *SSE) ensureConnected(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	if connected {
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	// The stream outlives ctx, but opening it must not.
	stop := context.AfterFunc(ctx, cancel)
	resp, err := s.openStream(streamCtx)
	if !stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return fmt.Errorf("failed to open event stream: %w", ctx.Err())
	}
	if err != nil {
		cancel()
		return err
	}

	endpoint := make(chan struct{})
	done := make(chan struct{})

	s.mu.Lock()
	s.connected = true
	s.postURL = s.rawURL
	s.endpoint = endpoint
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.readLoop(streamCtx, resp.Body, done)

	if !s.awaitEndpoint {
		return nil
	}

	select {
	case <-endpoint:
		return nil
	case <-done:
		return fmt.Errorf("event stream ended before endpoint event: %w", ErrTransportClosed)
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for endpoint event: %w", ctx.Err())
	}
}

func (s *SSE) openStream(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	s.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	s.mu.RLock()
	if s.lastEventID != "" {
		req.Header.Set("Last-Event-ID", s.lastEventID)
	}
	s.mu.RUnlock()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to open event stream: %w", &HTTPStatusError{StatusCode: resp.StatusCode})
	}

	return resp, nil
}

func (s *SSE) readLoop(ctx context.Context, body io.ReadCloser, done chan struct{}) {
	defer close(done)

	for {
		err := s.consume(body)
		body.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("event stream failed", "transport_id", s.id, "err", err)

		body = s.reopen(ctx)
		if body == nil {
			return
		}
	}
}

// reopen retries opening the stream according to the reconnect policy. It returns nil
// when ctx is done or the retries are exhausted, in which case the transport is marked
// disconnected.
func (s *SSE) reopen(ctx context.Context) io.ReadCloser {
	for attempt := 1; attempt <= s.reconnect.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnect.delay(attempt)):
		}

		resp, err := s.openStream(ctx)
		if err == nil {
			s.logger.Info("event stream reconnected", "transport_id", s.id, "attempt", attempt)
			return resp.Body
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("failed to reconnect event stream", "transport_id", s.id, "attempt", attempt, "err", err)
	}

	s.logger.Error("giving up on event stream", "transport_id", s.id, "retries", s.reconnect.MaxRetries)
	s.markDisconnected(ctx)
	return nil
}

func (s *SSE) markDisconnected(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A newer stream may already have replaced this one.
	if s.done == nil || s.cancel == nil || ctx.Err() != nil {
		return
	}
	s.cancel()
	s.cancel = nil
	s.done = nil
	s.connected = false
}

func (s *SSE) consume(body io.Reader) error {
	var config *sse.ReadConfig
	if s.maxEventSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxEventSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			return err
		}

		if ev.LastEventID != "" {
			s.mu.Lock()
			s.lastEventID = ev.LastEventID
			s.mu.Unlock()
		}

		switch ev.Type {
		case "", "message":
			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "transport_id", s.id, "err", err)
				continue
			}
			s.deliver(msg)
		case "endpoint":
			if err := s.setEndpoint(ev.Data); err != nil {
				s.logger.Error("invalid endpoint event", "transport_id", s.id, "err", err)
			}
		default:
			s.logger.Debug("ignoring event", "transport_id", s.id, "type", ev.Type)
		}
	}

	return io.ErrUnexpectedEOF
}

func (s *SSE) setEndpoint(data string) error {
	ref, err := url.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if ref.String() == "" {
		return errors.New("empty endpoint URL")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.postURL = s.baseURL.ResolveReference(ref).String()
	if s.endpoint != nil {
		close(s.endpoint)
		s.endpoint = nil
	}
	return nil
}

func (s *SSE) deliver(msg JSONRPCMessage) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	if handler == nil {
		return
	}
	handler(msg)
}

func (s *SSE) setHeaders(req *http.Request) {
	for key, values := range s.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}
