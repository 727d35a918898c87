package quic

import (
	"fmt"
	"time"

	"github.com/menchan-Rub/quantum/internal/protocol"
)

// TransportError is a transport-fatal error: the connection
// is unusable and must be closed, either because we detected a
// PROTOCOL_VIOLATION-class condition locally or the peer sent us a
// CONNECTION_CLOSE of the QUIC-layer variant.
type TransportError struct {
	Code         protocol.TransportErrorCode
	FrameType    uint64
	Remote       bool
	ErrorMessage string
}

func (e *TransportError) Error() string {
	who := "local"
	if e.Remote {
		who = "remote"
	}
	if e.ErrorMessage == "" {
		return fmt.Sprintf("%s error: %s", who, e.Code)
	}
	return fmt.Sprintf("%s error: %s (%s)", who, e.Code, e.ErrorMessage)
}

// ApplicationError is carried in a CONNECTION_CLOSE frame of
// application-error type, e.g. an HTTP/3 error code.
type ApplicationError struct {
	ErrorCode    ApplicationErrorCode
	Remote       bool
	ErrorMessage string
}

func (e *ApplicationError) Error() string {
	who := "local"
	if e.Remote {
		who = "remote"
	}
	return fmt.Sprintf("%s application error 0x%x: %s", who, uint64(e.ErrorCode), e.ErrorMessage)
}

// StreamError reports a RESET_STREAM/STOP_SENDING condition on one
// stream; it does not affect the rest of the connection.
type StreamError struct {
	StreamID  StreamID
	ErrorCode StreamErrorCode
	Remote    bool
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %d reset with error 0x%x", e.StreamID, e.ErrorCode)
}

// IdleTimeoutError is returned once the connection's idle timer fires
// with no ack-eliciting packet seen from the peer, per RFC 9000 §10.1.
type IdleTimeoutError struct{ Idle time.Duration }

func (e *IdleTimeoutError) Error() string {
	return fmt.Sprintf("quic: no activity for %s, idle timeout", e.Idle)
}

// HandshakeTimeoutError is returned when the handshake doesn't complete
// within the retransmission schedule.
type HandshakeTimeoutError struct{}

func (e *HandshakeTimeoutError) Error() string { return "quic: handshake timed out" }

// ErrConnectionClosed is returned by Stream/Connection operations once
// CloseWithError (local or remote) has torn the connection down.
var ErrConnectionClosed = fmt.Errorf("quic: connection closed")
