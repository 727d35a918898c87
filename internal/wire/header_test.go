package wire_test

import (
	"crypto/aes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/internal/wire"
)

func TestLongHeaderRoundTrip(t *testing.T) {
	dcid := protocol.ConnectionID{1, 2, 3, 4, 5, 6, 7, 8}
	scid := protocol.ConnectionID{9, 10, 11, 12}
	token := []byte("retry-token")

	b := wire.AppendLongHeader(nil, protocol.PacketTypeInitial, protocol.VersionTLS, dcid, scid, token, 2, 1234)
	h, n, err := wire.ParseHeader(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.True(t, h.IsLongHeader)
	require.Equal(t, protocol.PacketTypeInitial, h.Type)
	require.Equal(t, dcid, h.DestConnID)
	require.Equal(t, scid, h.SrcConnID)
	require.Equal(t, token, h.Token)
	require.EqualValues(t, 1234, h.Length)
}

func TestShortHeaderRoundTrip(t *testing.T) {
	dcid := protocol.ConnectionID{1, 2, 3, 4, 5, 6, 7, 8}
	b := wire.AppendShortHeader(nil, dcid, false, 1, 3)
	b = append(b, 0xaa, 0xbb, 0xcc) // packet number bytes

	h, n, err := wire.ParseShortHeader(b, len(dcid))
	require.NoError(t, err)
	require.Equal(t, 1+len(dcid), n)
	require.False(t, h.IsLongHeader)
	require.Equal(t, dcid, h.DestConnID)
	require.Equal(t, 1, wire.KeyPhaseBit(b[0]))
}

func TestVersionNegotiationDetected(t *testing.T) {
	b := wire.AppendLongHeader(nil, protocol.PacketTypeHandshake, protocol.VersionTLS, nil, nil, nil, 1, 0)
	// Overwrite the version field with an unknown one.
	b[1], b[2], b[3], b[4] = 0xde, 0xad, 0xbe, 0xef
	_, _, err := wire.ParseHeader(b)
	require.ErrorIs(t, err, wire.ErrVersionNegotiation)
}

func TestPacketNumberEncodeDecode(t *testing.T) {
	cases := []struct {
		pn, largestAcked, largestReceived protocol.PacketNumber
	}{
		{1, 0, 0},
		{200, 100, 199},
		{0x1_0000, 0xff00, 0xffff},
		{0xa82f9b32, 0xa82f30ea, 0xa82f9b31}, // RFC 9000 A.3's example
	}
	for _, c := range cases {
		b, length := wire.EncodePacketNumber(c.pn, c.largestAcked)
		require.Len(t, b, length)
		truncated := uint32(0)
		for _, by := range b {
			truncated = truncated<<8 | uint32(by)
		}
		got := wire.DecodePacketNumber(truncated, length, c.largestReceived)
		require.Equal(t, c.pn, got, "pn %d", c.pn)
	}
}

func TestHeaderProtectionRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	_, err := rand.Read(key)
	require.NoError(t, err)
	hp, err := aes.NewCipher(key)
	require.NoError(t, err)

	// A fake packet: 7 header bytes, 2 packet-number bytes, then enough
	// ciphertext for the 16-byte sample at pnOffset+4.
	pnOffset := 7
	pnLen := 2
	pkt := make([]byte, pnOffset+pnLen+24)
	_, err = rand.Read(pkt)
	require.NoError(t, err)
	pkt[0] = 0x41 // short header, fixed bit, pnLen-1 = 1
	pkt[pnOffset] = 0x12
	pkt[pnOffset+1] = 0x34
	orig := append([]byte{}, pkt...)

	require.NoError(t, wire.ApplyHeaderProtection(hp, pkt, pnOffset, pnLen))

	gotLen, err := wire.RemoveHeaderProtection(hp, pkt, pnOffset)
	require.NoError(t, err)
	require.Equal(t, pnLen, gotLen)
	require.Equal(t, orig, pkt)
}

func TestHeaderProtectionTooShortFails(t *testing.T) {
	hp, err := aes.NewCipher(make([]byte, 16))
	require.NoError(t, err)
	short := make([]byte, 10)
	require.ErrorIs(t, wire.ApplyHeaderProtection(hp, short, 2, 1), wire.ErrHeaderProtectionFailure)
}
