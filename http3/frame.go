package http3

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/menchan-Rub/quantum/quicvarint"
)

// errHijacked signals that an unknownFrameHandlerFunc took ownership of
// the stream and parseNextFrame should stop reading.
var errHijacked = errors.New("http3: frame hijacked")

// unknownFrameHandlerFunc lets a caller intercept frame types it
// recognizes beyond the base HTTP/3 set (e.g. WebTransport) before
// parseNextFrame would otherwise skip them.
type unknownFrameHandlerFunc func(ft FrameType) (processed bool, err error)

type frame interface{}

type dataFrame struct{ Length uint64 }

type headersFrame struct{ Length uint64 }

// settingsFrame is SETTINGS (RFC 9114 §7.2.4 / RFC 9204 §4.2).
type settingsFrame struct {
	Datagram bool
	Other    map[uint64]uint64
}

func (f *settingsFrame) Write(b *bytes.Buffer) {
	var payload bytes.Buffer
	if f.Datagram {
		quicvarint.Write(&payload, settingDatagram)
		quicvarint.Write(&payload, 1)
	}
	for id, val := range f.Other {
		quicvarint.Write(&payload, id)
		quicvarint.Write(&payload, val)
	}
	quicvarint.Write(b, uint64(FrameTypeSettings))
	quicvarint.Write(b, uint64(payload.Len()))
	b.Write(payload.Bytes())
}

// parseSettingsFrame reads exactly length bytes of id/value varint pairs.
// r may be any reader (parseNextFrame passes its own r, not the
// quicvarint.ByteReader it read the frame header through); a
// *io.LimitedReader bound to length is used
// here so an internal bufio wrap (quicvarint.NewReader's fallback for
// readers that aren't already a ByteReader) can never pull more than
// length bytes from the underlying connection, no matter its own
// look-ahead buffer size.
func parseSettingsFrame(r io.Reader, length uint64) (*settingsFrame, error) {
	lr := io.LimitReader(r, int64(length))
	vr := quicvarint.NewReader(lr)
	f := &settingsFrame{Other: make(map[uint64]uint64)}
	var consumed int
	for {
		id, err := quicvarint.Read(vr)
		if err != nil {
			// io.EOF at an id boundary is the clean end of the frame.
			break
		}
		val, err := quicvarint.Read(vr)
		if err != nil {
			return nil, err
		}
		consumed++
		switch id {
		case settingDatagram:
			f.Datagram = val == 1
		default:
			f.Other[id] = val
		}
		if consumed > 1024 {
			return nil, fmt.Errorf("http3: too many SETTINGS parameters")
		}
	}
	return f, nil
}

// appendHeadersFrameHeader/appendDataFrameHeader write just the frame
// type+length prefix; the caller appends the payload itself.
func appendHeadersFrameHeader(b *bytes.Buffer, length int) {
	quicvarint.Write(b, uint64(FrameTypeHeaders))
	quicvarint.Write(b, uint64(length))
}

func appendDataFrameHeader(b *bytes.Buffer, length int) {
	quicvarint.Write(b, uint64(FrameTypeData))
	quicvarint.Write(b, uint64(length))
}

type goawayFrame struct{ StreamID uint64 }

type maxPushIDFrame struct{ ID uint64 }

type cancelPushFrame struct{ ID uint64 }

// parseNextFrame reads one frame header off r; for DATA/HEADERS it
// returns a frame carrying only the declared Length (the caller reads
// the payload itself, streaming DATA rather than buffering it).
// unknownFrameHandlerFunc, if non-nil, is offered every frame type; if
// it reports "processed", parseNextFrame returns errHijacked.
// parseNextFrame reads one frame header off r: for DATA/HEADERS it
// returns immediately with only the declared Length, leaving the
// payload on r for the caller to stream directly (so a multi-megabyte
// DATA frame is never buffered whole). This depends on r reading
// exactly as many bytes as each call asks for and no more; that holds for
// *quic.Stream (which implements ReadByte itself, so quicvarint.NewReader
// never needs to wrap it in a look-ahead buffer) and of the test doubles
// in this package (*bytes.Buffer).
//
// unknownFrameHandlerFunc, if non-nil, is offered every frame type; if
// it reports "processed", parseNextFrame returns errHijacked.
func parseNextFrame(r io.Reader, unknown unknownFrameHandlerFunc) (frame, error) {
	qr := quicvarint.NewReader(r)
	for {
		t, err := quicvarint.Read(qr)
		if err != nil {
			return nil, err
		}
		length, err := quicvarint.Read(qr)
		if err != nil {
			return nil, err
		}
		ft := FrameType(t)
		switch ft {
		case FrameTypeData:
			return &dataFrame{Length: length}, nil
		case FrameTypeHeaders:
			return &headersFrame{Length: length}, nil
		case FrameTypeSettings:
			return parseSettingsFrame(r, length)
		case FrameTypeGoaway:
			id, err := quicvarint.Read(quicvarint.NewReader(io.LimitReader(r, int64(length))))
			if err != nil {
				return nil, err
			}
			return &goawayFrame{StreamID: id}, nil
		case FrameTypeMaxPushID:
			id, err := quicvarint.Read(quicvarint.NewReader(io.LimitReader(r, int64(length))))
			if err != nil {
				return nil, err
			}
			return &maxPushIDFrame{ID: id}, nil
		case FrameTypeCancelPush:
			id, err := quicvarint.Read(quicvarint.NewReader(io.LimitReader(r, int64(length))))
			if err != nil {
				return nil, err
			}
			return &cancelPushFrame{ID: id}, nil
		default:
			if unknown != nil {
				processed, err := unknown(ft)
				if err != nil {
					return nil, err
				}
				if processed {
					return nil, errHijacked
				}
			}
			if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
				return nil, err
			}
			// keep reading: an unrecognized frame type is skipped, not fatal
		}
	}
}
