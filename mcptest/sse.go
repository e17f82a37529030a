package mcptest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	mcp "github.com/JQSC/mcp-server-hub"
)

// SSEServer serves a Peer over HTTP with server-sent events. A GET opens an event stream
// and announces the POST endpoint for it in an "endpoint" event; a POST carries one
// envelope, whose response is pushed on the stream. POSTs without a session go to the most
// recently opened stream, so clients that POST to the stream URL work as well.
//
// SSEServer is an http.Handler; mount it on an httptest.Server.
type SSEServer struct {
	peer   *Peer
	logger *slog.Logger

	mu          sync.Mutex
	sessions    map[string]*sseSession
	latest      string
	postStatus  int
	streams     int
	lastEventID []string
	eventSeq    int
}

type sseSession struct {
	id   string
	sess *sse.Session

	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

// NewSSEServer creates an SSE server answering with peer.
func NewSSEServer(peer *Peer) *SSEServer {
	return &SSEServer{
		peer:     peer,
		logger:   slog.Default(),
		sessions: make(map[string]*sseSession),
	}
}

// ServeHTTP implements http.Handler.
func (s *SSEServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleStream(w, r)
	case http.MethodPost:
		s.handleMessage(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// FailPosts makes every following POST answer with status. Zero restores normal handling.
func (s *SSEServer) FailPosts(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postStatus = status
}

// Streams returns how many event streams have been opened.
func (s *SSEServer) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}

// LastEventIDs returns the Last-Event-ID header of every stream request, in order.
func (s *SSEServer) LastEventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastEventID...)
}

// Notify pushes a server notification on the most recent stream.
func (s *SSEServer) Notify(method string, params any) error {
	msg, err := Notification(method, params)
	if err != nil {
		return err
	}
	return s.push("", msg)
}

// DropStreams ends every open event stream, as a server restart would.
func (s *SSEServer) DropStreams() {
	s.mu.Lock()
	sessions := make([]*sseSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.stop()
	}
}

func (s *SSEServer) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		s.logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	session := &sseSession{
		id:   uuid.New().String(),
		sess: sess,
		done: make(chan struct{}),
	}

	// Registered before the endpoint event is flushed, since the client may POST as soon
	// as the response headers arrive.
	s.mu.Lock()
	s.sessions[session.id] = session
	s.latest = session.id
	s.streams++
	s.lastEventID = append(s.lastEventID, r.Header.Get("Last-Event-ID"))
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, session.id)
		s.mu.Unlock()
	}()

	// Use the type "endpoint" to announce where this session's messages go.
	endpoint := sse.Message{Type: sse.Type("endpoint")}
	endpoint.AppendData(fmt.Sprintf("%s?sessionID=%s", r.URL.Path, session.id))
	if err := session.send(&endpoint); err != nil {
		s.logger.Error("failed to write endpoint event", "err", err)
		return
	}

	// Keep the connection open until the client leaves or the stream is dropped.
	select {
	case <-r.Context().Done():
	case <-session.done:
	}
}

func (s *SSEServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status := s.postStatus
	s.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		nErr := fmt.Errorf("failed to decode message: %w", err)
		s.logger.Warn("failed to decode message", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusBadRequest)
		return
	}

	resp, ok := s.peer.Respond(r.Context(), msg)
	if ok {
		if err := s.push(r.URL.Query().Get("sessionID"), resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *SSEServer) push(sessionID string, msg mcp.JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	if sessionID == "" {
		sessionID = s.latest
	}
	session, ok := s.sessions[sessionID]
	s.eventSeq++
	seq := s.eventSeq
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("no open stream for session %q", sessionID)
	}

	ev := sse.Message{
		ID:   sse.ID(strconv.Itoa(seq)),
		Type: sse.Type("message"),
	}
	ev.AppendData(string(msgBs))
	return session.send(&ev)
}

func (s *sseSession) send(msg *sse.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

func (s *sseSession) stop() {
	s.once.Do(func() { close(s.done) })
}
