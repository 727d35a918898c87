// Package wire implements QUIC's on-the-wire packet and frame encoding:
// long/short header parsing, header protection, and every RFC 9000 §19
// frame type.
package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/quicvarint"
)

// FrameType is the varint frame-type field of RFC 9000 §19.
type FrameType uint64

const (
	FrameTypePadding              FrameType = 0x00
	FrameTypePing                 FrameType = 0x01
	FrameTypeAck                  FrameType = 0x02
	FrameTypeAckECN               FrameType = 0x03
	FrameTypeResetStream          FrameType = 0x04
	FrameTypeStopSending          FrameType = 0x05
	FrameTypeCrypto               FrameType = 0x06
	FrameTypeNewToken             FrameType = 0x07
	frameTypeStreamBase           FrameType = 0x08 // 0x08-0x0f, OFF/LEN/FIN bits
	FrameTypeMaxData              FrameType = 0x10
	FrameTypeMaxStreamData        FrameType = 0x11
	FrameTypeMaxStreamsBidi       FrameType = 0x12
	FrameTypeMaxStreamsUni        FrameType = 0x13
	FrameTypeDataBlocked          FrameType = 0x14
	FrameTypeStreamDataBlocked    FrameType = 0x15
	FrameTypeStreamsBlockedBidi   FrameType = 0x16
	FrameTypeStreamsBlockedUni    FrameType = 0x17
	FrameTypeNewConnectionID      FrameType = 0x18
	FrameTypeRetireConnectionID   FrameType = 0x19
	FrameTypePathChallenge        FrameType = 0x1a
	FrameTypePathResponse         FrameType = 0x1b
	FrameTypeConnectionCloseQUIC  FrameType = 0x1c
	FrameTypeConnectionCloseApp   FrameType = 0x1d
	FrameTypeHandshakeDone        FrameType = 0x1e
)

// Frame is satisfied by every QUIC frame type.
type Frame interface {
	// Append serializes the frame, including its type byte, onto b.
	Append(b []byte) ([]byte, error)
	// Length returns the serialized length in bytes.
	Length() int
}

// ErrFrameEncodingError is returned when a frame's fields are internally
// inconsistent (e.g. a STREAM frame whose Data is longer than its Length
// field would allow to be declared).
var ErrFrameEncodingError = errors.New("wire: frame encoding error")

// epochForbidden lists frame types that are PROTOCOL_VIOLATION if seen in
// the given encryption level, per RFC 9000 §12.4 table 3.
func epochForbidden(level protocol.EncryptionLevel, ft FrameType) bool {
	isStreamRelated := ft == frameTypeStreamBase || (ft >= 0x08 && ft <= 0x0f) ||
		ft == FrameTypeResetStream || ft == FrameTypeStopSending ||
		ft == FrameTypeMaxData || ft == FrameTypeMaxStreamData ||
		ft == FrameTypeMaxStreamsBidi || ft == FrameTypeMaxStreamsUni ||
		ft == FrameTypeDataBlocked || ft == FrameTypeStreamDataBlocked ||
		ft == FrameTypeStreamsBlockedBidi || ft == FrameTypeStreamsBlockedUni ||
		ft == FrameTypeNewConnectionID || ft == FrameTypeRetireConnectionID ||
		ft == FrameTypePathChallenge || ft == FrameTypePathResponse ||
		ft == FrameTypeNewToken || ft == FrameTypeHandshakeDone
	switch level {
	case protocol.EncryptionInitial, protocol.EncryptionHandshake:
		return isStreamRelated
	default:
		return false
	}
}

// ParseNextFrame reads one frame from r, validating it is legal for the
// given encryption level. It returns (nil, nil) at a clean end of data
// (all that remained was PADDING).
func ParseNextFrame(r *bytes.Reader, level protocol.EncryptionLevel) (Frame, error) {
	for r.Len() > 0 {
		typeByte, err := quicvarint.Read(quicvarint.NewReader(r))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		ft := FrameType(typeByte)
		if ft == FrameTypePadding {
			continue // skip consecutive PADDING and keep looking
		}
		if isStreamFrameType(ft) {
			if epochForbidden(level, frameTypeStreamBase) {
				return nil, fmt.Errorf("%w: STREAM frame in %s", protocol.ErrProtocolViolation, level)
			}
			return parseStreamFrame(r, ft)
		}
		if epochForbidden(level, ft) {
			return nil, fmt.Errorf("%w: frame type 0x%x in %s", protocol.ErrProtocolViolation, ft, level)
		}
		switch ft {
		case FrameTypePing:
			return &PingFrame{}, nil
		case FrameTypeAck, FrameTypeAckECN:
			return parseAckFrame(r, ft == FrameTypeAckECN)
		case FrameTypeResetStream:
			return parseResetStreamFrame(r)
		case FrameTypeStopSending:
			return parseStopSendingFrame(r)
		case FrameTypeCrypto:
			return parseCryptoFrame(r)
		case FrameTypeNewToken:
			return parseNewTokenFrame(r)
		case FrameTypeMaxData:
			return parseMaxDataFrame(r)
		case FrameTypeMaxStreamData:
			return parseMaxStreamDataFrame(r)
		case FrameTypeMaxStreamsBidi:
			return parseMaxStreamsFrame(r, protocol.StreamTypeBidi)
		case FrameTypeMaxStreamsUni:
			return parseMaxStreamsFrame(r, protocol.StreamTypeUni)
		case FrameTypeDataBlocked:
			return parseDataBlockedFrame(r)
		case FrameTypeStreamDataBlocked:
			return parseStreamDataBlockedFrame(r)
		case FrameTypeStreamsBlockedBidi:
			return parseStreamsBlockedFrame(r, protocol.StreamTypeBidi)
		case FrameTypeStreamsBlockedUni:
			return parseStreamsBlockedFrame(r, protocol.StreamTypeUni)
		case FrameTypeNewConnectionID:
			return parseNewConnectionIDFrame(r)
		case FrameTypeRetireConnectionID:
			return parseRetireConnectionIDFrame(r)
		case FrameTypePathChallenge:
			return parsePathChallengeFrame(r)
		case FrameTypePathResponse:
			return parsePathResponseFrame(r)
		case FrameTypeConnectionCloseQUIC:
			return parseConnectionCloseFrame(r, false)
		case FrameTypeConnectionCloseApp:
			return parseConnectionCloseFrame(r, true)
		case FrameTypeHandshakeDone:
			return &HandshakeDoneFrame{}, nil
		default:
			return nil, fmt.Errorf("%w: unknown frame type 0x%x", protocol.ErrFrameEncodingError, ft)
		}
	}
	return nil, nil
}

func isStreamFrameType(ft FrameType) bool {
	return ft >= 0x08 && ft <= 0x0f
}

func readVarIntReader(r *bytes.Reader) (uint64, error) {
	v, err := quicvarint.Read(quicvarint.NewReader(r))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return v, nil
}

func readVarIntBytes(r *bytes.Reader, n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return b, nil
}

// --- simple frames without fields ---

// PingFrame carries no data; it just elicits an ACK.
type PingFrame struct{}

func (f *PingFrame) Append(b []byte) ([]byte, error) { return quicvarint.Append(b, uint64(FrameTypePing)), nil }
func (f *PingFrame) Length() int                      { return 1 }

// HandshakeDoneFrame tells the client the handshake is confirmed; it is
// only ever sent by a server, but is included for wire-completeness.
type HandshakeDoneFrame struct{}

func (f *HandshakeDoneFrame) Append(b []byte) ([]byte, error) {
	return quicvarint.Append(b, uint64(FrameTypeHandshakeDone)), nil
}
func (f *HandshakeDoneFrame) Length() int { return 1 }

// --- padding ---

// PaddingFrame is a run of one or more zero bytes.
type PaddingFrame struct {
	Length_ int
}

func (f *PaddingFrame) Append(b []byte) ([]byte, error) {
	for i := 0; i < f.Length_; i++ {
		b = append(b, 0x00)
	}
	return b, nil
}
func (f *PaddingFrame) Length() int { return f.Length_ }
