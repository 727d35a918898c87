package flowcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/internal/protocol"
)

func TestSendWindowCreditAndLimit(t *testing.T) {
	w := NewSendWindow(100)
	require.EqualValues(t, 100, w.SendCredit())

	w.AddSent(60)
	require.EqualValues(t, 40, w.SendCredit())
	require.False(t, w.IsBlocked())

	w.AddSent(40)
	require.Zero(t, w.SendCredit())
	require.True(t, w.IsBlocked())

	// A stale (lower) MAX_DATA is ignored; a higher one unblocks.
	w.UpdateLimit(50)
	require.Zero(t, w.SendCredit())
	w.UpdateLimit(150)
	require.EqualValues(t, 50, w.SendCredit())
	require.False(t, w.IsBlocked())
}

func TestSendWindowPanicsOnOverrun(t *testing.T) {
	w := NewSendWindow(10)
	require.Panics(t, func() { w.AddSent(11) })
}

func TestReceiveWindowEnforcesLimit(t *testing.T) {
	w := NewReceiveWindow(100)
	require.NoError(t, w.AddReceived(100))
	require.ErrorIs(t, w.AddReceived(101), ErrFlowControlViolation)
	require.ErrorIs(t, w.AddReceived(101), protocol.ErrFlowControlError)
}

func TestReceiveWindowAutoTunes(t *testing.T) {
	w := NewReceiveWindow(100)
	_, ok := w.MaybeUpdateLimit()
	require.False(t, ok, "an unused window needs no update")

	require.NoError(t, w.AddReceived(60))
	newLimit, ok := w.MaybeUpdateLimit()
	require.True(t, ok)
	require.EqualValues(t, 160, newLimit)
	require.EqualValues(t, 160, w.CurrentLimit())
}

func TestReceiveWindowAggregateBytes(t *testing.T) {
	w := NewReceiveWindow(100)
	require.NoError(t, w.AddReceivedBytes(50))
	require.NoError(t, w.AddReceivedBytes(50))
	require.ErrorIs(t, w.AddReceivedBytes(1), ErrFlowControlViolation)
}
