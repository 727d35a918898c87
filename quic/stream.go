package quic

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/menchan-Rub/quantum/internal/flowcontrol"
	"github.com/menchan-Rub/quantum/internal/protocol"
)

// StreamID re-exports the wire stream ID type.
type StreamID = protocol.StreamID

// StreamState tracks a stream's combined send/receive lifecycle.
type StreamState uint8

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
	StreamResetSent
	StreamResetReceived
)

// gapFragment is one out-of-order STREAM frame payload buffered until the
// gap before it closes.
type gapFragment struct {
	offset protocol.ByteCount
	data   []byte
}

// Stream is one QUIC stream: independent ordered send and receive halves,
// each with its own flow-control window, composed into a single state
// enum. It holds only a non-owning reference back to its Connection (for
// flow-control updates and packet emission); the Connection's stream map
// is the only thing that owns a Stream, so there is no reference cycle
// to break.
type Stream struct {
	id   StreamID
	conn *Connection

	mu    sync.Mutex
	cond  *sync.Cond
	state StreamState

	// send half
	sendBuf      []byte
	sendOffset   protocol.ByteCount
	sendFin      bool
	finSent      bool
	sendWindow   *flowcontrol.SendWindow
	resetErrCode StreamErrorCode
	writeClosed  bool

	// receive half
	recvOffset  protocol.ByteCount
	recvBuf     []byte // contiguous, in-order bytes not yet read
	gaps        []gapFragment
	finalSize   protocol.ByteCount
	haveFinal   bool
	highestRecv protocol.ByteCount
	recvWindow  *flowcontrol.ReceiveWindow
	readErr     error
	closed      bool
}

func newStream(id StreamID, conn *Connection, sendLimit, recvWindow protocol.ByteCount) *Stream {
	s := &Stream{
		id:         id,
		conn:       conn,
		state:      StreamIdle,
		sendWindow: flowcontrol.NewSendWindow(sendLimit),
		recvWindow: flowcontrol.NewReceiveWindow(recvWindow),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// StreamID returns the stream's 62-bit identifier.
func (s *Stream) StreamID() StreamID { return s.id }

// Write appends p to the stream's send buffer; bytes are actually put on
// the wire by the connection's packet scheduler, constrained by flow
// control.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeClosed {
		return 0, fmt.Errorf("quic: write on closed stream %d", s.id)
	}
	if s.state == StreamResetSent {
		return 0, fmt.Errorf("quic: write on reset stream %d", s.id)
	}
	s.sendBuf = append(s.sendBuf, p...)
	if s.state == StreamIdle {
		s.state = StreamOpen
	}
	s.conn.scheduleStream(s.id)
	return len(p), nil
}

// Close closes the stream's write side, sending FIN once buffered data
// drains.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendFin = true
	s.writeClosed = true
	switch s.state {
	case StreamOpen:
		s.state = StreamHalfClosedLocal
	case StreamHalfClosedRemote:
		s.state = StreamClosed
	}
	s.conn.scheduleStream(s.id)
	return nil
}

// CancelWrite abandons the send half with RESET_STREAM(errorCode).
func (s *Stream) CancelWrite(errorCode StreamErrorCode) {
	s.mu.Lock()
	if s.state == StreamResetSent || s.state == StreamClosed {
		s.mu.Unlock()
		return
	}
	s.resetErrCode = errorCode
	s.sendBuf = nil
	s.writeClosed = true
	s.state = StreamResetSent
	finalSize := s.sendOffset
	s.mu.Unlock()
	s.conn.sendReset(s.id, errorCode, finalSize)
}

// CancelRead abandons the receive half by emitting STOP_SENDING.
func (s *Stream) CancelRead(errorCode StreamErrorCode) {
	s.mu.Lock()
	s.readErr = &StreamError{StreamID: s.id, ErrorCode: errorCode}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.conn.sendStopSending(s.id, errorCode)
}

// Read blocks until in-order bytes are available, FIN is reached, or the
// stream is reset/canceled. Bytes are delivered strictly in send order:
// out-of-order STREAM frames
// are buffered in the gap map and only surfaced once the preceding gap
// closes.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.recvBuf) == 0 {
		if s.readErr != nil {
			return 0, s.readErr
		}
		if s.closed {
			return 0, io.EOF
		}
		if s.haveFinal && s.recvOffset >= s.finalSize {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
	n := copy(p, s.recvBuf)
	s.recvBuf = s.recvBuf[n:]
	return n, nil
}

// ReadByte lets quicvarint.NewReader treat a Stream as an io.ByteReader
// directly, instead of wrapping it in a look-ahead buffer that would
// swallow bytes belonging to whatever payload follows a varint (e.g. an
// HTTP/3 DATA frame's body immediately after its length prefix).
func (s *Stream) ReadByte() (byte, error) {
	var b [1]byte
	_, err := s.Read(b[:])
	return b[0], err
}

// handleStreamFrame is called by the connection's receive path with a
// newly-arrived STREAM frame's offset/data/fin: exact-offset bytes
// extend the in-order
// buffer (absorbing any now-contiguous gaps); overlapping/past bytes are
// dropped; future bytes buffer in the gap map; a FIN sets the final size
// invariant. The returned count is how many bytes extend past the
// stream's previous highest received offset, which the connection feeds
// into its aggregate MAX_DATA accounting.
func (s *Stream) handleStreamFrame(offset protocol.ByteCount, data []byte, fin bool) (protocol.ByteCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := offset + protocol.ByteCount(len(data))
	if fin {
		if s.haveFinal && end != s.finalSize {
			return 0, fmt.Errorf("quic: %w: conflicting final size on stream %d", protocol.ErrFinalSizeError, s.id)
		}
		s.haveFinal = true
		s.finalSize = end
	}
	if s.haveFinal && end > s.finalSize {
		return 0, fmt.Errorf("quic: %w: data beyond final size on stream %d", protocol.ErrFinalSizeError, s.id)
	}
	if err := s.recvWindow.AddReceived(end); err != nil {
		return 0, err
	}
	var newBytes protocol.ByteCount
	if end > s.highestRecv {
		newBytes = end - s.highestRecv
		s.highestRecv = end
	}

	if end <= s.recvOffset {
		return newBytes, nil // entirely duplicate/past data
	}
	if offset < s.recvOffset {
		data = data[s.recvOffset-offset:]
		offset = s.recvOffset
	}

	if offset == s.recvOffset {
		s.recvBuf = append(s.recvBuf, data...)
		s.recvOffset += protocol.ByteCount(len(data))
		s.absorbGaps()
		s.cond.Broadcast()
		return newBytes, nil
	}

	// Future data: buffer it, de-duplicating identical ranges.
	for _, g := range s.gaps {
		if g.offset == offset {
			return newBytes, nil
		}
	}
	s.gaps = append(s.gaps, gapFragment{offset: offset, data: data})
	sort.Slice(s.gaps, func(i, j int) bool { return s.gaps[i].offset < s.gaps[j].offset })
	return newBytes, nil
}

// absorbGaps merges any buffered gap fragments that have become
// contiguous with recvOffset, repeatedly, mirroring the in-order
// property test's requirement that reordered/duplicate/gap-filled
// deliveries equal the original send sequence.
func (s *Stream) absorbGaps() {
	for {
		progressed := false
		remaining := s.gaps[:0]
		for _, g := range s.gaps {
			gEnd := g.offset + protocol.ByteCount(len(g.data))
			switch {
			case gEnd <= s.recvOffset:
				// fully duplicate, drop
			case g.offset <= s.recvOffset:
				d := g.data
				if g.offset < s.recvOffset {
					d = d[s.recvOffset-g.offset:]
				}
				s.recvBuf = append(s.recvBuf, d...)
				s.recvOffset += protocol.ByteCount(len(d))
				progressed = true
			default:
				remaining = append(remaining, g)
			}
		}
		s.gaps = remaining
		if !progressed {
			return
		}
	}
}

// abort wakes every blocked reader with a connection-fatal error; the
// whole connection is going away.
func (s *Stream) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.closed = true
	s.cond.Broadcast()
}

// handleReset transitions the stream to ResetReceived, discarding the
// receive buffer.
func (s *Stream) handleReset(errorCode StreamErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StreamResetReceived
	s.recvBuf = nil
	s.gaps = nil
	s.readErr = &StreamError{StreamID: s.id, ErrorCode: errorCode, Remote: true}
	s.cond.Broadcast()
}

// pendingSendData returns up to maxLen bytes ready to be framed into a
// STREAM frame, along with whether this emission should carry FIN, and
// advances the internal send cursor. It never returns more than the
// stream's (not yet accounted) flow-control credit allows.
func (s *Stream) pendingSendData(maxLen int) (data []byte, offset protocol.ByteCount, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxLen <= 0 {
		return nil, s.sendOffset, false
	}
	if len(s.sendBuf) == 0 {
		if s.sendFin && !s.finSent {
			s.finSent = true
			return nil, s.sendOffset, true
		}
		return nil, s.sendOffset, false
	}
	credit := int(s.sendWindow.SendCredit())
	if credit <= 0 {
		return nil, s.sendOffset, false
	}
	n := len(s.sendBuf)
	if n > maxLen {
		n = maxLen
	}
	if n > credit {
		n = credit
	}
	chunk := s.sendBuf[:n]
	off := s.sendOffset
	s.sendBuf = s.sendBuf[n:]
	s.sendOffset += protocol.ByteCount(n)
	s.sendWindow.AddSent(protocol.ByteCount(n))
	isFin := len(s.sendBuf) == 0 && s.sendFin
	if isFin {
		s.finSent = true
	}
	return chunk, off, isFin
}

// Context returns the connection's context, for callers that select on
// it alongside an application-supplied deadline. It is canceled when the
// connection closes, not when this stream alone is closed or reset.
func (s *Stream) Context() context.Context {
	return s.conn.ctx
}
