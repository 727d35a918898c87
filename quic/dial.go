package quic

import "context"

// EarlyConnection is the surface the http3 client drives a connection
// through: stream lifecycle, handshake-completion signaling, and close.
// Built directly against *Connection/*Stream rather than narrower
// Send/ReceiveStream interfaces, since this module has exactly one
// concrete connection implementation and narrower interfaces would buy
// nothing.
type EarlyConnection interface {
	OpenStreamSync(ctx context.Context) (*Stream, error)
	OpenUniStream() (*Stream, error)
	AcceptStream(ctx context.Context) (*Stream, error)
	AcceptUniStream(ctx context.Context) (*Stream, error)
	HandshakeComplete() Waiter
	ConnectionState() ConnState
	CloseWithError(code ApplicationErrorCode, reason string) error
	Context() context.Context
}

var _ EarlyConnection = (*Connection)(nil)
