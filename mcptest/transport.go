package mcptest

import (
	"context"
	"sync"

	mcp "github.com/JQSC/mcp-server-hub"
)

// Transport is an in-memory mcp.Transport. Every sent envelope is recorded and handed to
// the responder, whose answer is delivered back synchronously before Send returns.
type Transport struct {
	responder Responder

	mu         sync.Mutex
	handler    mcp.MessageHandler
	sent       []mcp.JSONRPCMessage
	sendErr    error
	closeCount int
}

// NewTransport creates a transport answered by responder, which may be nil to answer
// nothing and let the test Deliver responses itself.
func NewTransport(responder Responder) *Transport {
	return &Transport{responder: responder}
}

// Send implements mcp.Transport.
func (t *Transport) Send(ctx context.Context, msg mcp.JSONRPCMessage) error {
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	if t.responder == nil {
		return nil
	}
	if resp, ok := t.responder.Respond(ctx, msg); ok {
		t.Deliver(resp)
	}
	return nil
}

// SetMessageHandler implements mcp.Transport.
func (t *Transport) SetMessageHandler(handler mcp.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Close implements mcp.Transport and counts the calls.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCount++
	return nil
}

// Deliver hands msg to the registered handler as if the server had sent it.
func (t *Transport) Deliver(msg mcp.JSONRPCMessage) {
	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()

	if handler != nil {
		handler(msg)
	}
}

// Notify delivers a server notification.
func (t *Transport) Notify(method string, params any) error {
	msg, err := Notification(method, params)
	if err != nil {
		return err
	}
	t.Deliver(msg)
	return nil
}

// FailSends makes every following Send fail with err without recording the envelope.
// A nil err restores normal sending.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// Sent returns a copy of every envelope sent so far.
func (t *Transport) Sent() []mcp.JSONRPCMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mcp.JSONRPCMessage(nil), t.sent...)
}

// SendCount returns how many envelopes were sent.
func (t *Transport) SendCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// CloseCount returns how many times Close was called.
func (t *Transport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCount
}
