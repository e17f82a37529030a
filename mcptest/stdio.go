package mcptest

import (
	"context"
	"io"

	mcp "github.com/JQSC/mcp-server-hub"
)

// StdIOServer serves a Peer over a line-delimited byte stream pair.
type StdIOServer struct {
	peer      *Peer
	transport *mcp.StdIO
}

// ServeStdIO starts answering envelopes read from r, writing responses to w.
func ServeStdIO(peer *Peer, r io.Reader, w io.Writer) *StdIOServer {
	s := &StdIOServer{
		peer:      peer,
		transport: mcp.NewStdIO(r, w),
	}

	s.transport.SetMessageHandler(func(msg mcp.JSONRPCMessage) {
		resp, ok := peer.Respond(context.Background(), msg)
		if !ok {
			return
		}
		_ = s.transport.Send(context.Background(), resp)
	})

	return s
}

// Notify sends a server notification.
func (s *StdIOServer) Notify(ctx context.Context, method string, params any) error {
	msg, err := Notification(method, params)
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, msg)
}

// Close stops answering.
func (s *StdIOServer) Close() error {
	return s.transport.Close()
}
