package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
)

// WebSocket implements Transport over a single WebSocket connection, one envelope per
// text frame. The connection is dialed lazily by the first Send; after the server drops
// it, the next Send dials again.
type WebSocket struct {
	id          string
	url         string
	dialer      *websocket.Dialer
	headers     http.Header
	tokenSource oauth2.TokenSource
	logger      *slog.Logger

	writeTimeout time.Duration

	// dialMu serializes dialing.
	dialMu  sync.Mutex
	writeMu sync.Mutex

	mu      sync.RWMutex
	handler MessageHandler
	conn    *websocket.Conn
	done    chan struct{}
}

// WebSocketOption represents the options for the WebSocket transport.
type WebSocketOption func(*WebSocket)

// NewWebSocket creates a WebSocket transport for the server at url (ws:// or wss://).
func NewWebSocket(url string, options ...WebSocketOption) *WebSocket {
	ws := &WebSocket{
		id:           uuid.New().String(),
		url:          url,
		dialer:       websocket.DefaultDialer,
		headers:      make(http.Header),
		logger:       slog.Default(),
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range options {
		opt(ws)
	}
	return ws
}

// WithWebSocketDialer sets the dialer used to open the connection.
func WithWebSocketDialer(dialer *websocket.Dialer) WebSocketOption {
	return func(ws *WebSocket) {
		ws.dialer = dialer
	}
}

// WithWebSocketHeader adds a header sent with the opening handshake.
func WithWebSocketHeader(key, value string) WebSocketOption {
	return func(ws *WebSocket) {
		ws.headers.Add(key, value)
	}
}

// WithWebSocketTokenSource sends a bearer token from ts with the opening handshake.
func WithWebSocketTokenSource(ts oauth2.TokenSource) WebSocketOption {
	return func(ws *WebSocket) {
		ws.tokenSource = ts
	}
}

// WithWebSocketLogger sets the logger for the WebSocket transport.
func WithWebSocketLogger(logger *slog.Logger) WebSocketOption {
	return func(ws *WebSocket) {
		ws.logger = logger
	}
}

// WithWebSocketWriteTimeout bounds every frame write. Zero disables the deadline.
func WithWebSocketWriteTimeout(d time.Duration) WebSocketOption {
	return func(ws *WebSocket) {
		ws.writeTimeout = d
	}
}

// ID returns the random identifier of this transport, used to correlate log lines.
func (ws *WebSocket) ID() string {
	return ws.id
}

// SetMessageHandler implements Transport.
func (ws *WebSocket) SetMessageHandler(handler MessageHandler) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.handler = handler
}

// Send implements Transport.
func (ws *WebSocket) Send(ctx context.Context, msg JSONRPCMessage) error {
	conn, err := ws.ensureConnected(ctx)
	if err != nil {
		return err
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	deadline := time.Time{}
	if ws.writeTimeout > 0 {
		deadline = time.Now().Add(ws.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(websocket.TextMessage, msgBs); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close implements Transport. It sends a close frame and closes the connection.
func (ws *WebSocket) Close() error {
	ws.dialMu.Lock()
	defer ws.dialMu.Unlock()

	ws.mu.Lock()
	conn, done := ws.conn, ws.done
	ws.conn = nil
	ws.done = nil
	ws.mu.Unlock()

	if conn == nil {
		return nil
	}

	ws.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	ws.writeMu.Unlock()

	err := conn.Close()
	<-done
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

func (ws *WebSocket) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	ws.dialMu.Lock()
	defer ws.dialMu.Unlock()

	ws.mu.RLock()
	conn := ws.conn
	ws.mu.RUnlock()
	if conn != nil {
		return conn, nil
	}

	header := ws.headers.Clone()
	if ws.tokenSource != nil {
		token, err := ws.tokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		token.SetAuthHeader(&http.Request{Header: header})
	}

	conn, resp, err := ws.dialer.DialContext(ctx, ws.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial websocket: %w: %w", &HTTPStatusError{StatusCode: resp.StatusCode}, err)
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}

	done := make(chan struct{})
	ws.mu.Lock()
	ws.conn = conn
	ws.done = done
	ws.mu.Unlock()

	go ws.readLoop(conn, done)

	return conn, nil
}

func (ws *WebSocket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.logger.Error("failed to read message", "transport_id", ws.id, "err", err)
			}
			ws.dropConn(conn)
			return
		}
		if msgType != websocket.TextMessage {
			ws.logger.Debug("ignoring non-text frame", "transport_id", ws.id, "type", msgType)
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.logger.Error("failed to unmarshal message", "transport_id", ws.id, "err", err)
			continue
		}

		ws.mu.RLock()
		handler := ws.handler
		ws.mu.RUnlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// dropConn forgets conn if it is still current, so the next Send dials again.
func (ws *WebSocket) dropConn(conn *websocket.Conn) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.conn != conn {
		return
	}
	_ = conn.Close()
	ws.conn = nil
	ws.done = nil
}
