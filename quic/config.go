// Package quic implements the client-side QUIC (RFC 9000) transport:
// connection and stream state machines, the handshake, flow control and
// loss recovery wiring, and 0-RTT early data. Its public surface
// (EarlyConnection, OpenStreamSync, AcceptUniStream, CloseWithError,
// ...) is the calling shape the http3 package drives, and every byte on
// the wire is produced by this
// module's own internal/wire, internal/handshake, internal/congestion,
// internal/ackhandler and internal/flowcontrol packages.
package quic

import (
	"time"

	"github.com/menchan-Rub/quantum/internal/protocol"
)

// ApplicationErrorCode is an HTTP/3 (or other application-layer) error
// code carried in a CONNECTION_CLOSE frame of application-error type.
type ApplicationErrorCode uint64

// StreamErrorCode is carried in RESET_STREAM/STOP_SENDING frames.
type StreamErrorCode uint64

// VersionNumber re-exports the wire version type so callers of this
// package don't need to import internal/protocol directly.
type VersionNumber = protocol.VersionNumber

// VersionTLS re-exports the standard QUIC v1 version number.
const VersionTLS = protocol.VersionTLS

// Config configures a QUIC connection: stream and flow-control limits,
// timers, and the transport-parameter values advertised to the peer.
type Config struct {
	Versions []VersionNumber

	// MaxIncomingStreams limits server-initiated bidirectional streams
	// this endpoint accepts; -1 disables them entirely, the right default
	// for an HTTP/3 client, where the server never opens bidirectional
	// streams.
	MaxIncomingStreams    int64
	MaxIncomingUniStreams int64

	InitialMaxData               protocol.ByteCount
	InitialMaxStreamDataBidiLocal  protocol.ByteCount
	InitialMaxStreamDataBidiRemote protocol.ByteCount
	InitialMaxStreamDataUni        protocol.ByteCount

	MaxIdleTimeout  time.Duration
	KeepAlive       bool
	KeepAlivePeriod time.Duration

	MaxAckDelay      time.Duration
	AckDelayExponent int

	MaxUDPPayloadSize      uint64
	ActiveConnectionIDLimit int

	EnableDatagrams bool

	Allow0RTT bool

	// KeyUpdateInterval is the number of 1-RTT packets sealed before this
	// endpoint initiates a key update; 0 uses the default.
	KeyUpdateInterval uint64
}

// DefaultKeyUpdateInterval is well below the AEAD confidentiality limits
// of RFC 9001 §6.6 while still exercising the update path on long-lived
// connections.
const DefaultKeyUpdateInterval = 100_000

// Clone returns a shallow copy.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Versions = append([]VersionNumber{}, c.Versions...)
	return &cp
}

// DefaultConfig returns client defaults built on the protocol package's
// Default* transport-parameter values.
func DefaultConfig() *Config {
	return &Config{
		Versions:                       []VersionNumber{protocol.VersionTLS},
		MaxIncomingStreams:             -1,
		MaxIncomingUniStreams:          100,
		InitialMaxData:                 protocol.DefaultInitialMaxData,
		InitialMaxStreamDataBidiLocal:  protocol.DefaultInitialMaxStreamData,
		InitialMaxStreamDataBidiRemote: protocol.DefaultInitialMaxStreamData,
		InitialMaxStreamDataUni:        protocol.DefaultInitialMaxStreamData,
		MaxIdleTimeout:                 protocol.DefaultMaxIdleTimeoutMs * time.Millisecond,
		KeepAlive:                      true,
		KeepAlivePeriod:                15 * time.Second,
		MaxAckDelay:                    protocol.DefaultMaxAckDelayMs * time.Millisecond,
		AckDelayExponent:               protocol.DefaultAckDelayExponent,
		MaxUDPPayloadSize:              protocol.DefaultMaxUDPPayloadSize,
		ActiveConnectionIDLimit:        protocol.DefaultActiveConnectionIDLim,
	}
}

// HandshakeTimeoutSchedule is the handshake retry budget: three
// retransmissions with exponential backoff starting at 0.5s, capped at
// 3s, after which the handshake fails with HandshakeTimeoutError.
var HandshakeTimeoutSchedule = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	3 * time.Second,
}
