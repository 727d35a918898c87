package quic

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/internal/protocol"
)

func newTestStream(recvWindow protocol.ByteCount) *Stream {
	conn := &Connection{sendSignal: make(chan struct{}, 1)}
	return newStream(0, conn, 1<<20, recvWindow)
}

func readAll(t *testing.T, s *Stream) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 64)
	for {
		n, err := s.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
	}
}

func TestStreamInOrderDelivery(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	s := newTestStream(1 << 20)

	// Deliver out of order, with a duplicate and an overlap.
	_, err := s.handleStreamFrame(10, payload[10:20], false)
	require.NoError(t, err)
	_, err = s.handleStreamFrame(0, payload[:10], false)
	require.NoError(t, err)
	_, err = s.handleStreamFrame(10, payload[10:20], false) // exact duplicate
	require.NoError(t, err)
	_, err = s.handleStreamFrame(15, payload[15:30], false) // overlaps delivered data
	require.NoError(t, err)
	_, err = s.handleStreamFrame(30, payload[30:], true)
	require.NoError(t, err)

	require.Equal(t, payload, readAll(t, s))
}

func TestStreamGapHeldUntilFilled(t *testing.T) {
	s := newTestStream(1 << 20)
	_, err := s.handleStreamFrame(5, []byte("world"), true)
	require.NoError(t, err)

	s.mu.Lock()
	buffered := len(s.recvBuf)
	s.mu.Unlock()
	require.Zero(t, buffered, "future bytes must wait in the gap map")

	_, err = s.handleStreamFrame(0, []byte("hello"), false)
	require.NoError(t, err)
	require.Equal(t, []byte("helloworld"), readAll(t, s))
}

func TestStreamFinalSizeViolation(t *testing.T) {
	s := newTestStream(1 << 20)
	_, err := s.handleStreamFrame(0, []byte("done"), true)
	require.NoError(t, err)

	_, err = s.handleStreamFrame(4, []byte("more"), false)
	require.ErrorIs(t, err, protocol.ErrFinalSizeError)

	_, err = s.handleStreamFrame(0, []byte("do"), true) // conflicting final size
	require.ErrorIs(t, err, protocol.ErrFinalSizeError)
}

func TestStreamReceiveFlowControlViolation(t *testing.T) {
	s := newTestStream(8)
	_, err := s.handleStreamFrame(0, []byte("12345678"), false)
	require.NoError(t, err)
	_, err = s.handleStreamFrame(8, []byte("9"), false)
	require.ErrorIs(t, err, protocol.ErrFlowControlError)
}

func TestStreamNewBytesAccounting(t *testing.T) {
	s := newTestStream(1 << 20)
	n, err := s.handleStreamFrame(0, []byte("abcd"), false)
	require.NoError(t, err)
	require.EqualValues(t, 4, n)

	// Duplicate contributes nothing to the connection-level budget.
	n, err = s.handleStreamFrame(0, []byte("abcd"), false)
	require.NoError(t, err)
	require.Zero(t, n)

	// Overlap counts only the extension.
	n, err = s.handleStreamFrame(2, []byte("cdef"), false)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestPendingSendDataNeverExceedsPeerWindow(t *testing.T) {
	conn := &Connection{sendSignal: make(chan struct{}, 1)}
	s := newStream(0, conn, 10, 1<<20) // peer allows 10 bytes

	_, err := s.Write(make([]byte, 64))
	require.NoError(t, err)

	var total int
	for {
		data, _, _ := s.pendingSendData(1452)
		if len(data) == 0 {
			break
		}
		total += len(data)
	}
	require.Equal(t, 10, total, "sends must stop at the advertised MAX_STREAM_DATA")

	s.sendWindow.UpdateLimit(25)
	data, offset, _ := s.pendingSendData(1452)
	require.EqualValues(t, 10, offset)
	require.Len(t, data, 15)
}

func TestPendingSendDataEmitsFinOnce(t *testing.T) {
	conn := &Connection{sendSignal: make(chan struct{}, 1)}
	s := newStream(0, conn, 1<<20, 1<<20)
	_, err := s.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, _, fin := s.pendingSendData(1452)
	require.Equal(t, []byte("x"), data)
	require.True(t, fin)

	data, _, fin = s.pendingSendData(1452)
	require.Empty(t, data)
	require.False(t, fin, "FIN must not be emitted twice")
}

func TestStreamResetDiscardsReceiveState(t *testing.T) {
	s := newTestStream(1 << 20)
	_, err := s.handleStreamFrame(0, []byte("partial"), false)
	require.NoError(t, err)

	s.handleReset(0x10c)
	buf := make([]byte, 16)
	_, rerr := s.Read(buf)
	require.Error(t, rerr)
	require.NotEqual(t, io.EOF, rerr)
}
