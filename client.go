package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client is a protocol client bound to at most one Transport at a time. It assigns request
// ids, correlates responses, performs the initialize handshake, re-emits server
// notifications to registered listeners and closes the session gracefully.
//
// A Client must be created using NewClient and requires Connect to be called before any
// request can be made. After Shutdown the same Client may Connect again; request ids keep
// increasing across connections. All methods are safe for concurrent use.
//
// Listeners run on the transport's delivery goroutine, so a listener must not wait for the
// response of a request issued on the same client.
type Client struct {
	info            Info
	capabilities    Capabilities
	protocolVersion string
	requestTimeout  time.Duration
	logger          *slog.Logger

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	telemetry      *clientTelemetry

	rateLimit, rateBurst int
	allow                func(ctx context.Context, key string) bool

	nextID    atomic.Int64
	listeners listenerRegistry

	mu                 sync.Mutex
	state              clientState
	transport          Transport
	serverCapabilities Capabilities
	serverInfo         Info
	pending            map[RequestID]chan pendingResult
}

type clientState int

type pendingResult struct {
	msg JSONRPCMessage
	err error
}

const (
	stateUnconnected clientState = iota
	stateHandshaking
	stateReady
	stateClosing
)

const rateLimitKey = "mcp.client"

// NewClient creates a client announcing info and capabilities to the server during the
// handshake.
func NewClient(info Info, capabilities Capabilities, options ...ClientOption) *Client {
	c := &Client{
		info:            info,
		capabilities:    capabilities,
		protocolVersion: DefaultProtocolVersion,
		logger:          slog.Default(),
		pending:         make(map[RequestID]chan pendingResult),
	}
	for _, opt := range options {
		opt(c)
	}

	c.telemetry = newClientTelemetry(c.tracerProvider, c.meterProvider)

	if c.rateLimit > 0 {
		limiter := ratelimit.New(&ratelimit.Config{
			Rate:     c.rateLimit,
			Burst:    c.rateBurst,
			Interval: time.Second,
		})
		c.allow = limiter.Allow
	}

	return c
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithProtocolVersion overrides the protocol version sent in the initialize request.
func WithProtocolVersion(version string) ClientOption {
	return func(c *Client) {
		c.protocolVersion = version
	}
}

// WithRequestTimeout bounds every request, including the handshake. Zero, the default,
// means requests wait until their context is done.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithTracerProvider sets the tracer provider used for request spans. The global provider
// is used by default.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider sets the meter provider used for request metrics. The global provider
// is used by default.
func WithMeterProvider(mp metric.MeterProvider) ClientOption {
	return func(c *Client) {
		c.meterProvider = mp
	}
}

// WithRequestRateLimit limits outbound requests to rate per second with the given burst.
// Requests over the limit fail with ErrRateLimited without touching the transport. The
// handshake and shutdown requests are never limited.
func WithRequestRateLimit(rate, burst int) ClientOption {
	return func(c *Client) {
		c.rateLimit = rate
		c.rateBurst = burst
	}
}

// Connect attaches the client to transport and performs the initialize handshake. It fails
// with ErrAlreadyConnected unless the client is unconnected. If the handshake fails the
// transport is closed and the client returns to the unconnected state.
func (c *Client) Connect(ctx context.Context, transport Transport) error {
	c.mu.Lock()
	if c.state != stateUnconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: client is %s", ErrAlreadyConnected, state)
	}
	c.transport = transport
	c.state = stateHandshaking
	c.mu.Unlock()

	transport.SetMessageHandler(c.handleMessage)

	if err := c.initialize(ctx); err != nil {
		c.teardown(transport)
		return fmt.Errorf("failed to initialize: %w", err)
	}

	return nil
}

// Initialized reports whether the handshake completed and the client is ready for requests.
func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateReady
}

// ServerCapabilities returns the capabilities the server declared in the handshake.
func (c *Client) ServerCapabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCapabilities
}

// ServerInfo returns the server descriptor from the handshake, if the server sent one.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// On registers listener for the server notification named event, or for EventInitialized.
// Listeners run in registration order. The returned func removes the listener.
func (c *Client) On(event string, listener Listener) (remove func()) {
	return c.listeners.add(event, listener, false)
}

// Once is like On, but the listener is removed after its first call.
func (c *Client) Once(event string, listener Listener) (remove func()) {
	return c.listeners.add(event, listener, true)
}

// Request sends a request with the given method and params and waits for the correlated
// response. Params may be nil, a json.RawMessage or any JSON-marshalable value; nil is
// sent as an empty object. A response carrying an error is returned as a *JSONRPCError.
//
// The pending record is removed on every exit path, so a failed send or a cancelled ctx
// leaves nothing behind.
func (c *Client) Request(ctx context.Context, method string, params any) (result json.RawMessage, err error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	c.mu.Lock()
	transport := c.transport
	if transport == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if !c.state.allows(method) {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if c.allow != nil && method != MethodInitialize && method != MethodShutdown && !c.allow(ctx, rateLimitKey) {
		c.mu.Unlock()
		return nil, ErrRateLimited
	}
	id := RequestID(c.nextID.Add(1))
	results := make(chan pendingResult, 1)
	c.pending[id] = results
	c.mu.Unlock()

	ctx, finish := c.telemetry.start(ctx, method, id)
	defer func() { finish(err) }()

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  paramsBs,
	}
	if err := transport.Send(ctx, msg); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("%w: failed to send %s request: %w", ErrTransport, method, err)
	}

	select {
	case <-ctx.Done():
		c.removePending(id)
		return nil, fmt.Errorf("failed to wait for %s result: %w", method, ctx.Err())
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, fmt.Errorf("result error: %w", res.msg.Error)
		}
		return res.msg.Result, nil
	}
}

// Call is Request followed by decoding the result into result, which may be nil to
// discard it.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	res, err := c.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(res) == 0 {
		return nil
	}
	if err := json.Unmarshal(res, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, MethodPing, nil, nil)
}

// ListResources lists the resources the server exposes.
func (c *Client) ListResources(ctx context.Context) (ListResourcesResult, error) {
	var result ListResourcesResult
	if err := c.Call(ctx, MethodListResources, nil, &result); err != nil {
		return ListResourcesResult{}, err
	}
	return result, nil
}

// ReadResource reads the content of the resource identified by uri.
func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	var result ReadResourceResult
	if err := c.Call(ctx, MethodReadResource, ReadResourceParams{URI: uri}, &result); err != nil {
		return ReadResourceResult{}, err
	}
	return result, nil
}

// ListTools lists the tools the server exposes.
func (c *Client) ListTools(ctx context.Context) (ListToolsResult, error) {
	var result ListToolsResult
	if err := c.Call(ctx, MethodListTools, nil, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool invokes the tool called name with parameters.
func (c *Client) CallTool(ctx context.Context, name string, parameters map[string]any) (CallToolResult, error) {
	if parameters == nil {
		parameters = map[string]any{}
	}

	var result CallToolResult
	params := CallToolParams{Name: name, Parameters: parameters}
	if err := c.Call(ctx, MethodCallTool, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// AddRoot registers root with the server. Both sides must declare the roots capability,
// otherwise a *CapabilityError is returned and nothing is sent.
func (c *Client) AddRoot(ctx context.Context, root Root) error {
	if err := c.requireRoots(); err != nil {
		return err
	}
	return c.Call(ctx, MethodAddRoot, root, nil)
}

// RemoveRoot unregisters the root identified by uri. It is gated like AddRoot.
func (c *Client) RemoveRoot(ctx context.Context, uri string) error {
	if err := c.requireRoots(); err != nil {
		return err
	}
	return c.Call(ctx, MethodRemoveRoot, RemoveRootParams{URI: uri}, nil)
}

// ListRoots lists the roots registered with the server. It is gated like AddRoot.
func (c *Client) ListRoots(ctx context.Context) (ListRootsResult, error) {
	if err := c.requireRoots(); err != nil {
		return ListRootsResult{}, err
	}

	var result ListRootsResult
	if err := c.Call(ctx, MethodListRoots, nil, &result); err != nil {
		return ListRootsResult{}, err
	}
	return result, nil
}

// Shutdown ends the session: it sends a shutdown request, waits for its response, closes
// the transport and resets the client to the unconnected state. Requests still pending
// fail with ErrClientClosed. Shutdown is a no-op unless the client is ready, so repeated
// or concurrent calls send a single shutdown request.
//
// The transport is closed and the client reset even when the shutdown request fails; that
// failure is returned.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateReady {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosing
	transport := c.transport
	c.mu.Unlock()

	_, err := c.Request(ctx, MethodShutdown, nil)
	if err != nil {
		c.logger.Warn("shutdown request failed", "err", err)
		err = fmt.Errorf("failed to send shutdown request: %w", err)
	}

	c.teardown(transport)
	return err
}

func (c *Client) initialize(ctx context.Context) error {
	params := InitializeParams{
		ClientInfo:      c.info,
		Capabilities:    c.capabilities,
		ProtocolVersion: c.protocolVersion,
	}

	res, err := c.Request(ctx, MethodInitialize, params)
	if err != nil {
		return err
	}

	var result InitializeResult
	if len(res) > 0 {
		if err := json.Unmarshal(res, &result); err != nil {
			return fmt.Errorf("failed to unmarshal initialize result: %w", err)
		}
	}

	c.mu.Lock()
	c.serverCapabilities = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.state = stateReady
	c.mu.Unlock()

	c.logger.Debug("client initialized", "server", result.ServerInfo.Name, "protocol_version", result.ProtocolVersion)
	c.listeners.emit(EventInitialized, res)

	return nil
}

func (c *Client) requireRoots() error {
	if !c.capabilities.Roots {
		return &CapabilityError{Side: "client", Capability: CapabilityRoots}
	}

	c.mu.Lock()
	serverRoots := c.serverCapabilities.Roots
	c.mu.Unlock()

	if !serverRoots {
		return &CapabilityError{Side: "server", Capability: CapabilityRoots}
	}
	return nil
}

// handleMessage is installed as the transport's handler. Responses resolve their pending
// request; anything else with a method is a notification for the listeners.
func (c *Client) handleMessage(msg JSONRPCMessage) {
	if msg.ID != nil {
		c.mu.Lock()
		results, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()

		if ok {
			results <- pendingResult{msg: msg}
			return
		}
	}

	if msg.Method != "" {
		c.listeners.emit(msg.Method, msg.Params)
		return
	}

	c.logger.Debug("ignoring message without matching request", "id", msg.ID)
}

// teardown closes transport and resets the client, failing every pending request.
func (c *Client) teardown(transport Transport) {
	if err := transport.Close(); err != nil {
		c.logger.Warn("failed to close transport", "err", err)
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[RequestID]chan pendingResult)
	if c.transport == transport {
		c.transport = nil
	}
	c.state = stateUnconnected
	c.serverCapabilities = Capabilities{}
	c.serverInfo = Info{}
	c.mu.Unlock()

	for _, results := range pending {
		results <- pendingResult{err: ErrClientClosed}
	}
}

func (c *Client) removePending(id RequestID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// allows reports whether a request for method may be issued in state s.
func (s clientState) allows(method string) bool {
	switch s {
	case stateReady:
		return true
	case stateHandshaking:
		return method == MethodInitialize
	case stateClosing:
		return method == MethodShutdown
	default:
		return false
	}
}

func (s clientState) String() string {
	switch s {
	case stateUnconnected:
		return "unconnected"
	case stateHandshaking:
		return "handshaking"
	case stateReady:
		return "ready"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}
