package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/internal/wire"
)

func roundTrip(t *testing.T, f wire.Frame) wire.Frame {
	t.Helper()
	b, err := f.Append(nil)
	require.NoError(t, err)
	require.Equal(t, f.Length(), len(b))
	got, err := wire.ParseNextFrame(bytes.NewReader(b), protocol.Encryption1RTT)
	require.NoError(t, err)
	return got
}

func TestStreamFrameRoundTrip(t *testing.T) {
	f := &wire.StreamFrame{StreamID: 4, Offset: 100, Data: []byte("hello world"), Fin: true, DataLenPresent: true}
	got := roundTrip(t, f).(*wire.StreamFrame)
	require.Equal(t, f.StreamID, got.StreamID)
	require.Equal(t, f.Offset, got.Offset)
	require.Equal(t, f.Data, got.Data)
	require.True(t, got.Fin)
}

func TestAckFrameRoundTrip(t *testing.T) {
	f := &wire.AckFrame{AckRanges: []wire.AckRange{
		{Smallest: 90, Largest: 100},
		{Smallest: 50, Largest: 80},
	}}
	got := roundTrip(t, f).(*wire.AckFrame)
	require.Equal(t, f.AckRanges, got.AckRanges)
	require.True(t, got.AcksPacket(95))
	require.False(t, got.AcksPacket(85))
}

func TestResetStreamRoundTrip(t *testing.T) {
	f := &wire.ResetStreamFrame{StreamID: 8, ErrorCode: 7, FinalSize: 1234}
	got := roundTrip(t, f).(*wire.ResetStreamFrame)
	require.Equal(t, f, got)
}

func TestConnectionCloseRoundTrip(t *testing.T) {
	f := &wire.ConnectionCloseFrame{ErrorCode: uint64(protocol.ErrProtocolViolation), ReasonPhrase: "bad frame"}
	got := roundTrip(t, f).(*wire.ConnectionCloseFrame)
	require.Equal(t, f.ErrorCode, got.ErrorCode)
	require.Equal(t, f.ReasonPhrase, got.ReasonPhrase)
}

func TestStreamFrameForbiddenInInitial(t *testing.T) {
	f := &wire.StreamFrame{StreamID: 4, Data: []byte("x")}
	b, _ := f.Append(nil)
	_, err := wire.ParseNextFrame(bytes.NewReader(b), protocol.EncryptionInitial)
	require.ErrorIs(t, err, protocol.ErrProtocolViolation)
}

func TestPaddingIsSkipped(t *testing.T) {
	buf := &bytes.Buffer{}
	pad := &wire.PaddingFrame{Length_: 4}
	b, _ := pad.Append(nil)
	buf.Write(b)
	ping := &wire.PingFrame{}
	pb, _ := ping.Append(nil)
	buf.Write(pb)
	got, err := wire.ParseNextFrame(bytes.NewReader(buf.Bytes()), protocol.Encryption1RTT)
	require.NoError(t, err)
	require.IsType(t, &wire.PingFrame{}, got)
}
