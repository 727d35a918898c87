// Package flowcontrol implements RFC 9000 §4's per-stream and
// per-connection flow-control windows: how many bytes this endpoint may
// send before it needs a higher limit from the peer, and when to send
// MAX_DATA/MAX_STREAM_DATA updates for the receive side.
package flowcontrol

import (
	"fmt"
	"sync"

	"github.com/menchan-Rub/quantum/internal/protocol"
)

// ErrFlowControlViolation is a transport-fatal error: the peer sent
// more bytes than it was allowed to.
var ErrFlowControlViolation = fmt.Errorf("flowcontrol: %w", protocol.ErrFlowControlError)

// SendWindow tracks how many bytes we're allowed to send against a
// limit the peer advertises (MAX_DATA or MAX_STREAM_DATA).
type SendWindow struct {
	mu    sync.Mutex
	sent  protocol.ByteCount
	limit protocol.ByteCount
}

func NewSendWindow(initialLimit protocol.ByteCount) *SendWindow {
	return &SendWindow{limit: initialLimit}
}

// SendCredit returns how many more bytes may currently be sent.
func (w *SendWindow) SendCredit() protocol.ByteCount {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := w.limit - w.sent
	if c < 0 {
		return 0
	}
	return c
}

// AddSent records n bytes just sent. Callers must clamp their write
// size to SendCredit() first; AddSent panics on violation, since that
// means our own scheduler is buggy rather than anything wire-level.
func (w *SendWindow) AddSent(n protocol.ByteCount) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sent+n > w.limit {
		panic("flowcontrol: send would exceed peer's advertised limit")
	}
	w.sent += n
}

// UpdateLimit raises the limit in response to a MAX_DATA/MAX_STREAM_DATA
// frame; lower or stale values are ignored (frames may arrive out of
// order).
func (w *SendWindow) UpdateLimit(newLimit protocol.ByteCount) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if newLimit > w.limit {
		w.limit = newLimit
	}
}

// IsBlocked reports whether the last send attempt exhausted the window
// (used to decide whether to emit DATA_BLOCKED/STREAM_DATA_BLOCKED).
func (w *SendWindow) IsBlocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit-w.sent <= 0
}

// ReceiveWindow tracks bytes received against a limit we advertised, and
// decides when to extend it: once no more than half the window size
// remains unconsumed, the limit moves to the received count plus the
// window size.
type ReceiveWindow struct {
	mu           sync.Mutex
	received     protocol.ByteCount
	highestLimit protocol.ByteCount
	windowSize   protocol.ByteCount
}

func NewReceiveWindow(initialWindow protocol.ByteCount) *ReceiveWindow {
	return &ReceiveWindow{highestLimit: initialWindow, windowSize: initialWindow}
}

// AddReceived records that data up to absolute offset highestOffset has
// arrived; returns ErrFlowControlViolation if that exceeds what we
// advertised.
func (w *ReceiveWindow) AddReceived(highestOffset protocol.ByteCount) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if highestOffset > w.highestLimit {
		return ErrFlowControlViolation
	}
	if highestOffset > w.received {
		w.received = highestOffset
	}
	return nil
}

// AddReceivedBytes records n newly-received bytes for a window that
// tracks an aggregate (the connection-wide MAX_DATA budget, which is a
// sum over streams rather than a single highest offset).
func (w *ReceiveWindow) AddReceivedBytes(n protocol.ByteCount) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.received += n
	if w.received > w.highestLimit {
		return ErrFlowControlViolation
	}
	return nil
}

// MaybeUpdateLimit returns (newLimit, true) if the receive window should
// be extended given how much of it has been consumed; the connection
// turns a true result into a MAX_DATA/MAX_STREAM_DATA frame.
func (w *ReceiveWindow) MaybeUpdateLimit() (protocol.ByteCount, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	consumed := w.received
	remaining := w.highestLimit - consumed
	if remaining > w.windowSize/2 {
		return 0, false
	}
	w.highestLimit = consumed + w.windowSize
	return w.highestLimit, true
}

func (w *ReceiveWindow) CurrentLimit() protocol.ByteCount {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highestLimit
}

// ConnectionFlowControl tracks the per-connection aggregate windows:
// the endpoint never sends more across all streams than the peer's
// MAX_DATA, independent of the per-stream limits.
type ConnectionFlowControl struct {
	Send    *SendWindow
	Receive *ReceiveWindow
}

func NewConnectionFlowControl(sendLimit, receiveWindow protocol.ByteCount) *ConnectionFlowControl {
	return &ConnectionFlowControl{
		Send:    NewSendWindow(sendLimit),
		Receive: NewReceiveWindow(receiveWindow),
	}
}
