package wire

import (
	"bytes"

	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/quicvarint"
)

// StreamFrame carries a contiguous range of one stream's byte stream.
// The wire type's low 3 bits (OFF/LEN/FIN) are derived from the struct's
// fields when serializing, mirroring RFC 9000 §19.8.
type StreamFrame struct {
	StreamID protocol.StreamID
	Offset   protocol.ByteCount
	Data     []byte
	Fin      bool

	// DataLenPresent controls whether the explicit LEN field is written.
	// It is always true for frames we generate (required when more than
	// one frame is coalesced into a packet), kept as a field so decoded
	// frames can round-trip exactly.
	DataLenPresent bool
}

func parseStreamFrame(r *bytes.Reader, ft FrameType) (*StreamFrame, error) {
	hasOffset := ft&0x04 != 0
	hasLen := ft&0x02 != 0
	fin := ft&0x01 != 0

	sid, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	var offset uint64
	if hasOffset {
		offset, err = readVarIntReader(r)
		if err != nil {
			return nil, err
		}
	}
	var dataLen uint64
	if hasLen {
		dataLen, err = readVarIntReader(r)
		if err != nil {
			return nil, err
		}
	} else {
		dataLen = uint64(r.Len())
	}
	data, err := readVarIntBytes(r, int(dataLen))
	if err != nil {
		return nil, err
	}
	return &StreamFrame{
		StreamID:       protocol.StreamID(sid),
		Offset:         protocol.ByteCount(offset),
		Data:           data,
		Fin:            fin,
		DataLenPresent: hasLen,
	}, nil
}

func (f *StreamFrame) Append(b []byte) ([]byte, error) {
	ft := frameTypeStreamBase
	if f.Offset != 0 {
		ft |= 0x04
	}
	if f.DataLenPresent {
		ft |= 0x02
	}
	if f.Fin {
		ft |= 0x01
	}
	b = quicvarint.Append(b, uint64(ft))
	b = quicvarint.Append(b, uint64(f.StreamID))
	if f.Offset != 0 {
		b = quicvarint.Append(b, uint64(f.Offset))
	}
	if f.DataLenPresent {
		b = quicvarint.Append(b, uint64(len(f.Data)))
	}
	b = append(b, f.Data...)
	return b, nil
}

func (f *StreamFrame) Length() int {
	l := 1 + quicvarint.Len(uint64(f.StreamID))
	if f.Offset != 0 {
		l += quicvarint.Len(uint64(f.Offset))
	}
	if f.DataLenPresent {
		l += quicvarint.Len(uint64(len(f.Data)))
	}
	return l + len(f.Data)
}

// MaxDataLen returns how many bytes of Data a STREAM frame for streamID
// at offset could carry while fitting within maxLen total bytes,
// accounting for the header overhead including an explicit LEN field.
func MaxDataLen(streamID protocol.StreamID, offset protocol.ByteCount, maxLen int) int {
	headerLen := 1 + quicvarint.Len(uint64(streamID))
	if offset != 0 {
		headerLen += quicvarint.Len(uint64(offset))
	}
	// reserve the largest possible LEN varint (8 bytes) conservatively;
	// callers shrink it once the final length is known.
	avail := maxLen - headerLen - 8
	if avail < 0 {
		return 0
	}
	return avail
}

// SplitOffFrame returns a new frame containing the first n bytes of data
// (with Fin cleared if bytes remain) and advances the receiver to start
// at the remaining data, mirroring how the connection scheduler carves a
// stream's send buffer into packet-sized pieces.
func (f *StreamFrame) SplitOffFrame(n int) *StreamFrame {
	if n >= len(f.Data) {
		return f
	}
	head := &StreamFrame{
		StreamID:       f.StreamID,
		Offset:         f.Offset,
		Data:           f.Data[:n],
		Fin:            false,
		DataLenPresent: f.DataLenPresent,
	}
	f.Data = f.Data[n:]
	f.Offset += protocol.ByteCount(n)
	return head
}
