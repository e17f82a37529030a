package mcptest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	mcp "github.com/JQSC/mcp-server-hub"
)

// WebSocketServer serves a Peer over WebSocket connections, one envelope per text frame.
// It is an http.Handler; mount it on an httptest.Server and dial the ws:// form of its URL.
type WebSocketServer struct {
	peer     *Peer
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWebSocketServer creates a WebSocket server answering with peer.
func NewWebSocketServer(peer *Peer) *WebSocketServer {
	return &WebSocketServer{
		peer: peer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
		conns:  make(map[*wsConn]struct{}),
	}
}

// ServeHTTP implements http.Handler.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "err", err)
		return
	}

	c := &wsConn{conn: conn}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("failed to decode message", "err", err)
			continue
		}

		resp, ok := s.peer.Respond(r.Context(), msg)
		if !ok {
			continue
		}
		if err := c.writeJSON(resp); err != nil {
			s.logger.Error("failed to write response", "err", err)
			return
		}
	}
}

// Notify sends a server notification on every open connection.
func (s *WebSocketServer) Notify(method string, params any) error {
	msg, err := Notification(method, params)
	if err != nil {
		return err
	}

	for _, c := range s.connections() {
		if err := c.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// SendRaw writes data as a text frame on every open connection.
func (s *WebSocketServer) SendRaw(data []byte) error {
	for _, c := range s.connections() {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
	}
	return nil
}

// Connections returns the number of open connections.
func (s *WebSocketServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *WebSocketServer) connections() []*wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (c *wsConn) writeJSON(msg mcp.JSONRPCMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
