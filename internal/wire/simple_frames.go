package wire

import (
	"bytes"

	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/quicvarint"
)

// --- RESET_STREAM / STOP_SENDING ---

type ResetStreamFrame struct {
	StreamID  protocol.StreamID
	ErrorCode uint64
	FinalSize protocol.ByteCount
}

func parseResetStreamFrame(r *bytes.Reader) (*ResetStreamFrame, error) {
	sid, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	code, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	size, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	return &ResetStreamFrame{StreamID: protocol.StreamID(sid), ErrorCode: code, FinalSize: protocol.ByteCount(size)}, nil
}

func (f *ResetStreamFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypeResetStream))
	b = quicvarint.Append(b, uint64(f.StreamID))
	b = quicvarint.Append(b, f.ErrorCode)
	b = quicvarint.Append(b, uint64(f.FinalSize))
	return b, nil
}
func (f *ResetStreamFrame) Length() int {
	return 1 + quicvarint.Len(uint64(f.StreamID)) + quicvarint.Len(f.ErrorCode) + quicvarint.Len(uint64(f.FinalSize))
}

type StopSendingFrame struct {
	StreamID  protocol.StreamID
	ErrorCode uint64
}

func parseStopSendingFrame(r *bytes.Reader) (*StopSendingFrame, error) {
	sid, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	code, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	return &StopSendingFrame{StreamID: protocol.StreamID(sid), ErrorCode: code}, nil
}

func (f *StopSendingFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypeStopSending))
	b = quicvarint.Append(b, uint64(f.StreamID))
	b = quicvarint.Append(b, f.ErrorCode)
	return b, nil
}
func (f *StopSendingFrame) Length() int {
	return 1 + quicvarint.Len(uint64(f.StreamID)) + quicvarint.Len(f.ErrorCode)
}

// --- CRYPTO / NEW_TOKEN ---

type CryptoFrame struct {
	Offset protocol.ByteCount
	Data   []byte
}

func parseCryptoFrame(r *bytes.Reader) (*CryptoFrame, error) {
	offset, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	length, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	data, err := readVarIntBytes(r, int(length))
	if err != nil {
		return nil, err
	}
	return &CryptoFrame{Offset: protocol.ByteCount(offset), Data: data}, nil
}

func (f *CryptoFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypeCrypto))
	b = quicvarint.Append(b, uint64(f.Offset))
	b = quicvarint.Append(b, uint64(len(f.Data)))
	b = append(b, f.Data...)
	return b, nil
}
func (f *CryptoFrame) Length() int {
	return 1 + quicvarint.Len(uint64(f.Offset)) + quicvarint.Len(uint64(len(f.Data))) + len(f.Data)
}

type NewTokenFrame struct {
	Token []byte
}

func parseNewTokenFrame(r *bytes.Reader) (*NewTokenFrame, error) {
	length, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	token, err := readVarIntBytes(r, int(length))
	if err != nil {
		return nil, err
	}
	return &NewTokenFrame{Token: token}, nil
}

func (f *NewTokenFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypeNewToken))
	b = quicvarint.Append(b, uint64(len(f.Token)))
	b = append(b, f.Token...)
	return b, nil
}
func (f *NewTokenFrame) Length() int {
	return 1 + quicvarint.Len(uint64(len(f.Token))) + len(f.Token)
}

// --- flow control ---

type MaxDataFrame struct {
	MaximumData protocol.ByteCount
}

func parseMaxDataFrame(r *bytes.Reader) (*MaxDataFrame, error) {
	v, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	return &MaxDataFrame{MaximumData: protocol.ByteCount(v)}, nil
}
func (f *MaxDataFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypeMaxData))
	return quicvarint.Append(b, uint64(f.MaximumData)), nil
}
func (f *MaxDataFrame) Length() int { return 1 + quicvarint.Len(uint64(f.MaximumData)) }

type MaxStreamDataFrame struct {
	StreamID          protocol.StreamID
	MaximumStreamData protocol.ByteCount
}

func parseMaxStreamDataFrame(r *bytes.Reader) (*MaxStreamDataFrame, error) {
	sid, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	v, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	return &MaxStreamDataFrame{StreamID: protocol.StreamID(sid), MaximumStreamData: protocol.ByteCount(v)}, nil
}
func (f *MaxStreamDataFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypeMaxStreamData))
	b = quicvarint.Append(b, uint64(f.StreamID))
	return quicvarint.Append(b, uint64(f.MaximumStreamData)), nil
}
func (f *MaxStreamDataFrame) Length() int {
	return 1 + quicvarint.Len(uint64(f.StreamID)) + quicvarint.Len(uint64(f.MaximumStreamData))
}

type MaxStreamsFrame struct {
	Type         protocol.StreamType
	MaxStreamNum protocol.StreamNum
}

func parseMaxStreamsFrame(r *bytes.Reader, typ protocol.StreamType) (*MaxStreamsFrame, error) {
	v, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	return &MaxStreamsFrame{Type: typ, MaxStreamNum: protocol.StreamNum(v)}, nil
}
func (f *MaxStreamsFrame) Append(b []byte) ([]byte, error) {
	ft := FrameTypeMaxStreamsBidi
	if f.Type == protocol.StreamTypeUni {
		ft = FrameTypeMaxStreamsUni
	}
	b = quicvarint.Append(b, uint64(ft))
	return quicvarint.Append(b, uint64(f.MaxStreamNum)), nil
}
func (f *MaxStreamsFrame) Length() int { return 1 + quicvarint.Len(uint64(f.MaxStreamNum)) }

// --- blocked frames ---

type DataBlockedFrame struct{ MaximumData protocol.ByteCount }

func parseDataBlockedFrame(r *bytes.Reader) (*DataBlockedFrame, error) {
	v, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	return &DataBlockedFrame{MaximumData: protocol.ByteCount(v)}, nil
}
func (f *DataBlockedFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypeDataBlocked))
	return quicvarint.Append(b, uint64(f.MaximumData)), nil
}
func (f *DataBlockedFrame) Length() int { return 1 + quicvarint.Len(uint64(f.MaximumData)) }

type StreamDataBlockedFrame struct {
	StreamID          protocol.StreamID
	MaximumStreamData protocol.ByteCount
}

func parseStreamDataBlockedFrame(r *bytes.Reader) (*StreamDataBlockedFrame, error) {
	sid, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	v, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	return &StreamDataBlockedFrame{StreamID: protocol.StreamID(sid), MaximumStreamData: protocol.ByteCount(v)}, nil
}
func (f *StreamDataBlockedFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypeStreamDataBlocked))
	b = quicvarint.Append(b, uint64(f.StreamID))
	return quicvarint.Append(b, uint64(f.MaximumStreamData)), nil
}
func (f *StreamDataBlockedFrame) Length() int {
	return 1 + quicvarint.Len(uint64(f.StreamID)) + quicvarint.Len(uint64(f.MaximumStreamData))
}

type StreamsBlockedFrame struct {
	Type            protocol.StreamType
	StreamLimit     protocol.StreamNum
}

func parseStreamsBlockedFrame(r *bytes.Reader, typ protocol.StreamType) (*StreamsBlockedFrame, error) {
	v, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	return &StreamsBlockedFrame{Type: typ, StreamLimit: protocol.StreamNum(v)}, nil
}
func (f *StreamsBlockedFrame) Append(b []byte) ([]byte, error) {
	ft := FrameTypeStreamsBlockedBidi
	if f.Type == protocol.StreamTypeUni {
		ft = FrameTypeStreamsBlockedUni
	}
	b = quicvarint.Append(b, uint64(ft))
	return quicvarint.Append(b, uint64(f.StreamLimit)), nil
}
func (f *StreamsBlockedFrame) Length() int { return 1 + quicvarint.Len(uint64(f.StreamLimit)) }

// --- connection ID management ---

type NewConnectionIDFrame struct {
	SequenceNumber      uint64
	RetirePriorTo       uint64
	ConnectionID        protocol.ConnectionID
	StatelessResetToken [16]byte
}

func parseNewConnectionIDFrame(r *bytes.Reader) (*NewConnectionIDFrame, error) {
	seq, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	retire, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	lenByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrMalformedPacket
	}
	cid, err := readVarIntBytes(r, int(lenByte))
	if err != nil {
		return nil, err
	}
	var token [16]byte
	if _, err := r.Read(token[:]); err != nil {
		return nil, ErrMalformedPacket
	}
	return &NewConnectionIDFrame{SequenceNumber: seq, RetirePriorTo: retire, ConnectionID: cid, StatelessResetToken: token}, nil
}

func (f *NewConnectionIDFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypeNewConnectionID))
	b = quicvarint.Append(b, f.SequenceNumber)
	b = quicvarint.Append(b, f.RetirePriorTo)
	b = append(b, byte(len(f.ConnectionID)))
	b = append(b, f.ConnectionID...)
	b = append(b, f.StatelessResetToken[:]...)
	return b, nil
}
func (f *NewConnectionIDFrame) Length() int {
	return 1 + quicvarint.Len(f.SequenceNumber) + quicvarint.Len(f.RetirePriorTo) + 1 + len(f.ConnectionID) + 16
}

type RetireConnectionIDFrame struct {
	SequenceNumber uint64
}

func parseRetireConnectionIDFrame(r *bytes.Reader) (*RetireConnectionIDFrame, error) {
	seq, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	return &RetireConnectionIDFrame{SequenceNumber: seq}, nil
}
func (f *RetireConnectionIDFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypeRetireConnectionID))
	return quicvarint.Append(b, f.SequenceNumber), nil
}
func (f *RetireConnectionIDFrame) Length() int { return 1 + quicvarint.Len(f.SequenceNumber) }

// --- path validation ---

type PathChallengeFrame struct{ Data [8]byte }

func parsePathChallengeFrame(r *bytes.Reader) (*PathChallengeFrame, error) {
	var d [8]byte
	if _, err := r.Read(d[:]); err != nil {
		return nil, ErrMalformedPacket
	}
	return &PathChallengeFrame{Data: d}, nil
}
func (f *PathChallengeFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypePathChallenge))
	return append(b, f.Data[:]...), nil
}
func (f *PathChallengeFrame) Length() int { return 1 + 8 }

type PathResponseFrame struct{ Data [8]byte }

func parsePathResponseFrame(r *bytes.Reader) (*PathResponseFrame, error) {
	var d [8]byte
	if _, err := r.Read(d[:]); err != nil {
		return nil, ErrMalformedPacket
	}
	return &PathResponseFrame{Data: d}, nil
}
func (f *PathResponseFrame) Append(b []byte) ([]byte, error) {
	b = quicvarint.Append(b, uint64(FrameTypePathResponse))
	return append(b, f.Data[:]...), nil
}
func (f *PathResponseFrame) Length() int { return 1 + 8 }

// --- connection close ---

type ConnectionCloseFrame struct {
	IsApplicationError bool
	ErrorCode          uint64
	FrameType          uint64 // only meaningful for the QUIC-layer variant
	ReasonPhrase       string
}

func parseConnectionCloseFrame(r *bytes.Reader, isApp bool) (*ConnectionCloseFrame, error) {
	code, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	var ft uint64
	if !isApp {
		ft, err = readVarIntReader(r)
		if err != nil {
			return nil, err
		}
	}
	reasonLen, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	reason, err := readVarIntBytes(r, int(reasonLen))
	if err != nil {
		return nil, err
	}
	return &ConnectionCloseFrame{IsApplicationError: isApp, ErrorCode: code, FrameType: ft, ReasonPhrase: string(reason)}, nil
}

func (f *ConnectionCloseFrame) Append(b []byte) ([]byte, error) {
	if f.IsApplicationError {
		b = quicvarint.Append(b, uint64(FrameTypeConnectionCloseApp))
	} else {
		b = quicvarint.Append(b, uint64(FrameTypeConnectionCloseQUIC))
	}
	b = quicvarint.Append(b, f.ErrorCode)
	if !f.IsApplicationError {
		b = quicvarint.Append(b, f.FrameType)
	}
	b = quicvarint.Append(b, uint64(len(f.ReasonPhrase)))
	b = append(b, f.ReasonPhrase...)
	return b, nil
}

func (f *ConnectionCloseFrame) Length() int {
	l := 1 + quicvarint.Len(f.ErrorCode)
	if !f.IsApplicationError {
		l += quicvarint.Len(f.FrameType)
	}
	l += quicvarint.Len(uint64(len(f.ReasonPhrase))) + len(f.ReasonPhrase)
	return l
}
