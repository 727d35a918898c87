// Package protocol holds QUIC wire constants shared across layers:
// versions, connection IDs, packet-number spaces, stream ID bit layout,
// and the transport error code registry (RFC 9000 §20.1).
package protocol

import "fmt"

// VersionNumber is a QUIC version, as carried in long-header packets.
type VersionNumber uint32

// VersionTLS is QUIC v1 (RFC 9000/9001), the only version this module
// dials; a server asking for anything else triggers version negotiation.
const VersionTLS VersionNumber = 0x00000001

// ConnectionID is an opaque endpoint-chosen identifier, 0-20 bytes.
type ConnectionID []byte

func (c ConnectionID) String() string {
	if len(c) == 0 {
		return "(empty)"
	}
	return fmt.Sprintf("%x", []byte(c))
}

// EncryptionLevel identifies one of the four key epochs defined by RFC
// 9001: Initial, 0-RTT, Handshake, and 1-RTT (Application).
type EncryptionLevel uint8

const (
	EncryptionInitial EncryptionLevel = iota
	Encryption0RTT
	EncryptionHandshake
	Encryption1RTT
)

func (e EncryptionLevel) String() string {
	switch e {
	case EncryptionInitial:
		return "Initial"
	case Encryption0RTT:
		return "0-RTT"
	case EncryptionHandshake:
		return "Handshake"
	case Encryption1RTT:
		return "1-RTT"
	default:
		return "invalid encryption level"
	}
}

// PacketNumberSpace identifies which ACK/loss-recovery bookkeeping a
// packet number belongs to. 0-RTT and 1-RTT packets share the
// Application space per RFC 9002.
type PacketNumberSpace uint8

const (
	PNSpaceInitial PacketNumberSpace = iota
	PNSpaceHandshake
	PNSpaceApplication
)

func (e EncryptionLevel) PacketNumberSpace() PacketNumberSpace {
	switch e {
	case EncryptionInitial:
		return PNSpaceInitial
	case EncryptionHandshake:
		return PNSpaceHandshake
	default:
		return PNSpaceApplication
	}
}

// PacketNumber is a per-space monotonically-assigned sequence number.
type PacketNumber int64

// ByteCount counts bytes sent or received on a stream or connection,
// used throughout flow control and loss recovery.
type ByteCount int64

// PacketType distinguishes long-header packet types; short header
// (1-RTT) packets are represented separately.
type PacketType uint8

const (
	PacketTypeInitial PacketType = iota
	PacketType0RTT
	PacketTypeHandshake
	PacketTypeRetry
	PacketTypeVersionNegotiation
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeInitial:
		return "Initial"
	case PacketType0RTT:
		return "0-RTT"
	case PacketTypeHandshake:
		return "Handshake"
	case PacketTypeRetry:
		return "Retry"
	case PacketTypeVersionNegotiation:
		return "Version Negotiation"
	default:
		return "invalid packet type"
	}
}

// StreamID is the 62-bit identifier of RFC 9000 §2.1. Its two
// least-significant bits encode initiator and directionality.
type StreamID int64

// Perspective distinguishes which endpoint we are, which matters when
// validating stream IDs the peer is allowed to open.
type Perspective uint8

const (
	PerspectiveClient Perspective = iota
	PerspectiveServer
)

func (p Perspective) Opposite() Perspective {
	if p == PerspectiveClient {
		return PerspectiveServer
	}
	return PerspectiveClient
}

// StreamType is bidirectional or unidirectional.
type StreamType uint8

const (
	StreamTypeBidi StreamType = iota
	StreamTypeUni
)

// InitiatedBy reports which perspective opened this stream ID.
func (s StreamID) InitiatedBy() Perspective {
	if s&0x1 == 0 {
		return PerspectiveClient
	}
	return PerspectiveServer
}

// Type reports whether this stream ID is bidirectional or unidirectional.
func (s StreamID) Type() StreamType {
	if s&0x2 == 0 {
		return StreamTypeBidi
	}
	return StreamTypeUni
}

// StreamNum is the 0-based ordinal of a stream ID within its
// (initiator, type) class: streamID = num*4 + classBits.
type StreamNum int64

func (s StreamID) StreamNum() StreamNum {
	return StreamNum(s / 4)
}

// FirstStreamID returns the first ID belonging to a given (initiator,
// type) class: client-initiated bidi streams start at 0, and
// server-initiated unidirectional streams start at 3.
func FirstStreamID(initiator Perspective, typ StreamType) StreamID {
	var bits StreamID
	if initiator == PerspectiveServer {
		bits |= 0x1
	}
	if typ == StreamTypeUni {
		bits |= 0x2
	}
	return bits
}

// MaxStreamID returns the highest stream ID of the given class that a
// peer advertising `limit` streams (via MAX_STREAMS) permits.
func MaxStreamID(initiator Perspective, typ StreamType, limit StreamNum) StreamID {
	if limit == 0 {
		return -1
	}
	return FirstStreamID(initiator, typ) + StreamID(limit-1)*4
}

// TransportErrorCode is the RFC 9000 §20.1 registry plus the HTTP/3
// application-level codes this module needs to close connections with
// (RFC 9114 §8.1), kept in the same type so CONNECTION_CLOSE framing
// doesn't need two parallel code types.
type TransportErrorCode uint64

const (
	ErrNoError                  TransportErrorCode = 0x0
	ErrInternalError            TransportErrorCode = 0x1
	ErrConnectionRefused        TransportErrorCode = 0x2
	ErrFlowControlError         TransportErrorCode = 0x3
	ErrStreamLimitError         TransportErrorCode = 0x4
	ErrStreamStateError         TransportErrorCode = 0x5
	ErrFinalSizeError           TransportErrorCode = 0x6
	ErrFrameEncodingError       TransportErrorCode = 0x7
	ErrTransportParameterError  TransportErrorCode = 0x8
	ErrConnectionIDLimitError   TransportErrorCode = 0x9
	ErrProtocolViolation        TransportErrorCode = 0xa
	ErrInvalidToken             TransportErrorCode = 0xb
	ErrApplicationError         TransportErrorCode = 0xc
	ErrCryptoBufferExceeded     TransportErrorCode = 0xd
	ErrKeyUpdateError           TransportErrorCode = 0xe
	ErrAEADLimitReached         TransportErrorCode = 0xf
	ErrNoViablePath             TransportErrorCode = 0x10
	ErrCryptoError              TransportErrorCode = 0x100 // base; add TLS alert
)

// Error makes transport error codes usable as wrap targets in
// fmt.Errorf("%w") chains, so errors.Is(err, ErrProtocolViolation)
// classifies a failure without a separate sentinel per code.
func (e TransportErrorCode) Error() string { return e.String() }

func (e TransportErrorCode) String() string {
	switch {
	case e >= ErrCryptoError:
		return fmt.Sprintf("CRYPTO_ERROR (TLS alert %d)", e-ErrCryptoError)
	}
	switch e {
	case ErrNoError:
		return "NO_ERROR"
	case ErrInternalError:
		return "INTERNAL_ERROR"
	case ErrConnectionRefused:
		return "CONNECTION_REFUSED"
	case ErrFlowControlError:
		return "FLOW_CONTROL_ERROR"
	case ErrStreamLimitError:
		return "STREAM_LIMIT_ERROR"
	case ErrStreamStateError:
		return "STREAM_STATE_ERROR"
	case ErrFinalSizeError:
		return "FINAL_SIZE_ERROR"
	case ErrFrameEncodingError:
		return "FRAME_ENCODING_ERROR"
	case ErrTransportParameterError:
		return "TRANSPORT_PARAMETER_ERROR"
	case ErrConnectionIDLimitError:
		return "CONNECTION_ID_LIMIT_ERROR"
	case ErrProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case ErrInvalidToken:
		return "INVALID_TOKEN"
	case ErrApplicationError:
		return "APPLICATION_ERROR"
	case ErrCryptoBufferExceeded:
		return "CRYPTO_BUFFER_EXCEEDED"
	case ErrKeyUpdateError:
		return "KEY_UPDATE_ERROR"
	case ErrAEADLimitReached:
		return "AEAD_LIMIT_REACHED"
	case ErrNoViablePath:
		return "NO_VIABLE_PATH"
	default:
		return fmt.Sprintf("unknown error code 0x%x", uint64(e))
	}
}

// Default transport parameter values. DefaultAckDelayExponent,
// DefaultMaxAckDelayMs and DefaultActiveConnectionIDLim are the RFC 9000
// §18.2 defaults for a parameter the peer omits; the others are this
// client's own choices for what it advertises, and DefaultMaxUDPPayloadSize
// is also applied when a peer omits max_udp_payload_size (RFC 9000 §18.2's
// default for that is 65527).
const (
	DefaultMaxIdleTimeoutMs       = 30_000
	DefaultAckDelayExponent       = 3
	DefaultMaxAckDelayMs          = 25
	DefaultActiveConnectionIDLim  = 2
	MinMaxUDPPayloadSize          = 1200
	DefaultMaxUDPPayloadSize      = 1452
	DefaultInitialMaxData         = 1 << 20
	DefaultInitialMaxStreamData   = 256 * 1024
	DefaultInitialMaxStreamsBidi  = 100
	DefaultInitialMaxStreamsUni   = 100
)
