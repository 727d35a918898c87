package quicvarint_test

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/quicvarint"
)

func TestRoundTripKnownValues(t *testing.T) {
	values := []uint64{0, 1, 37, 63, 64, 15293, 16383, 16384, 494878333, quicvarint.Max4Byte, quicvarint.Max4Byte + 1, quicvarint.Max8Byte}
	for _, v := range values {
		buf := &bytes.Buffer{}
		quicvarint.Write(buf, v)
		got, err := quicvarint.Read(quicvarint.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		v := uint64(rng.Int63n(quicvarint.Max8Byte))
		buf := &bytes.Buffer{}
		quicvarint.Write(buf, v)
		require.Equal(t, quicvarint.Len(v), buf.Len(), "encode(v) must use the minimum valid length")
		got, err := quicvarint.Read(quicvarint.NewReader(buf))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestReadInsufficientData(t *testing.T) {
	// A 2-byte prefix promises a second byte that never arrives.
	buf := bytes.NewReader([]byte{0b01000000})
	_, err := quicvarint.Read(quicvarint.NewReader(buf))
	require.ErrorIs(t, err, quicvarint.ErrInsufficientData)
}

func TestReadCleanEOFPassesThrough(t *testing.T) {
	_, err := quicvarint.Read(quicvarint.NewReader(bytes.NewReader(nil)))
	require.ErrorIs(t, err, io.EOF)
}

func TestAppend(t *testing.T) {
	b := quicvarint.Append(nil, 15293)
	got, err := quicvarint.Read(quicvarint.NewReader(bytes.NewReader(b)))
	require.NoError(t, err)
	require.EqualValues(t, 15293, got)
}
