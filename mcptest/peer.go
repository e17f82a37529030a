// Package mcptest provides an in-process server peer and transports for testing code built
// on package mcp.
//
// A Peer holds the server side logic: it answers the handshake, dispatches requests to
// registered handlers and records everything it receives. It can be reached through an
// in-memory Transport, over stdio with ServeStdIO, or over HTTP with SSEServer and
// WebSocketServer.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	mcp "github.com/JQSC/mcp-server-hub"
)

// HandlerFunc answers one request. The returned value is marshaled as the result; a nil
// value yields an empty object. Returning a *mcp.JSONRPCError sends that error as is, any
// other error is sent as an internal error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// errNoReply is returned by NoReply to suppress the response.
var errNoReply = errors.New("no reply")

// NoReply is a HandlerFunc that never answers, leaving the request pending on the client.
func NoReply(context.Context, json.RawMessage) (any, error) {
	return nil, errNoReply
}

// Responder turns an inbound envelope into the envelope to send back, if any.
type Responder interface {
	Respond(ctx context.Context, msg mcp.JSONRPCMessage) (mcp.JSONRPCMessage, bool)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, msg mcp.JSONRPCMessage) (mcp.JSONRPCMessage, bool)

// Peer is a scripted server. The zero value is not usable; create one with NewPeer.
type Peer struct {
	info         mcp.Info
	capabilities mcp.Capabilities

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	received []mcp.JSONRPCMessage
}

// NewPeer creates a peer that answers initialize with info and capabilities, and answers
// shutdown and ping with an empty result.
func NewPeer(info mcp.Info, capabilities mcp.Capabilities) *Peer {
	p := &Peer{
		info:         info,
		capabilities: capabilities,
		handlers:     make(map[string]HandlerFunc),
	}

	p.Handle(mcp.MethodInitialize, p.initialize)
	p.Handle(mcp.MethodShutdown, emptyResult)
	p.Handle(mcp.MethodPing, emptyResult)

	return p
}

// Handle registers fn for method, replacing any previous handler.
func (p *Peer) Handle(method string, fn HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = fn
}

// HandleResult registers a handler always answering with result.
func (p *Peer) HandleResult(method string, result any) {
	p.Handle(method, func(context.Context, json.RawMessage) (any, error) {
		return result, nil
	})
}

// Received returns a copy of every envelope the peer has received, in order.
func (p *Peer) Received() []mcp.JSONRPCMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]mcp.JSONRPCMessage(nil), p.received...)
}

// Methods returns the method of every received envelope, in order.
func (p *Peer) Methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	methods := make([]string, 0, len(p.received))
	for _, msg := range p.received {
		methods = append(methods, msg.Method)
	}
	return methods
}

// Count returns how many envelopes with method the peer has received.
func (p *Peer) Count(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, msg := range p.received {
		if msg.Method == method {
			n++
		}
	}
	return n
}

// Respond implements Responder. Envelopes without an id are recorded but not answered.
func (p *Peer) Respond(ctx context.Context, msg mcp.JSONRPCMessage) (mcp.JSONRPCMessage, bool) {
	p.mu.Lock()
	p.received = append(p.received, msg)
	handler, ok := p.handlers[msg.Method]
	p.mu.Unlock()

	if msg.ID == nil {
		return mcp.JSONRPCMessage{}, false
	}

	resp := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      msg.ID,
	}

	if !ok {
		resp.Error = &mcp.JSONRPCError{Code: mcp.CodeMethodNotFound, Message: "Method not found"}
		return resp, true
	}

	result, err := handler(ctx, msg.Params)
	if errors.Is(err, errNoReply) {
		return mcp.JSONRPCMessage{}, false
	}
	if err != nil {
		var rpcErr *mcp.JSONRPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &mcp.JSONRPCError{Code: mcp.CodeInternalError, Message: err.Error()}
		}
		resp.Error = rpcErr
		return resp, true
	}

	resultBs, err := marshalResult(result)
	if err != nil {
		resp.Error = &mcp.JSONRPCError{Code: mcp.CodeInternalError, Message: err.Error()}
		return resp, true
	}
	resp.Result = resultBs

	return resp, true
}

// Respond implements Responder.
func (f ResponderFunc) Respond(ctx context.Context, msg mcp.JSONRPCMessage) (mcp.JSONRPCMessage, bool) {
	return f(ctx, msg)
}

// Notification builds a server notification envelope.
func Notification(method string, params any) (mcp.JSONRPCMessage, error) {
	paramsBs, err := marshalResult(params)
	if err != nil {
		return mcp.JSONRPCMessage{}, err
	}
	return mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}, nil
}

// Response builds a successful response envelope for id.
func Response(id mcp.RequestID, result any) (mcp.JSONRPCMessage, error) {
	resultBs, err := marshalResult(result)
	if err != nil {
		return mcp.JSONRPCMessage{}, err
	}
	return mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      &id,
		Result:  resultBs,
	}, nil
}

func (p *Peer) initialize(_ context.Context, params json.RawMessage) (any, error) {
	var init mcp.InitializeParams
	if err := json.Unmarshal(params, &init); err != nil {
		return nil, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: err.Error()}
	}

	return mcp.InitializeResult{
		Capabilities:    p.capabilities,
		ServerInfo:      p.info,
		ProtocolVersion: init.ProtocolVersion,
	}, nil
}

func emptyResult(context.Context, json.RawMessage) (any, error) {
	return nil, nil
}

func marshalResult(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
