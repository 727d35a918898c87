package ackhandler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/internal/congestion"
	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/internal/wire"
)

func TestPacketNumbersStrictlyIncrease(t *testing.T) {
	h := NewSpaceHandler(protocol.PNSpaceApplication)
	prev := protocol.PacketNumber(-1)
	for i := 0; i < 100; i++ {
		pn := h.NextPacketNumber()
		require.Greater(t, pn, prev)
		prev = pn
	}
}

func sentAt(h *SpaceHandler, now time.Time, n int) []*Packet {
	pkts := make([]*Packet, 0, n)
	for i := 0; i < n; i++ {
		p := &Packet{PacketNumber: h.NextPacketNumber(), SentTime: now, Size: 1200, InFlight: true}
		h.SentPacket(p)
		pkts = append(pkts, p)
	}
	return pkts
}

func ackOf(pns ...protocol.PacketNumber) *wire.AckFrame {
	f := &wire.AckFrame{}
	for _, pn := range pns {
		f.AckRanges = append([]wire.AckRange{{Smallest: pn, Largest: pn}}, f.AckRanges...)
	}
	return f
}

func TestLargestAckedNeverLowered(t *testing.T) {
	h := NewSpaceHandler(protocol.PNSpaceApplication)
	var rtt congestion.RTTStats
	now := time.Now()
	sentAt(h, now, 10)

	h.OnAckReceived(ackOf(7), &rtt, 0, now)
	require.EqualValues(t, 7, h.LargestAcked())

	// A late ACK for an older packet must not move largestAcked backwards.
	h.OnAckReceived(ackOf(2), &rtt, 0, now)
	require.EqualValues(t, 7, h.LargestAcked())
}

func TestAckRemovesFromInFlight(t *testing.T) {
	h := NewSpaceHandler(protocol.PNSpaceApplication)
	var rtt congestion.RTTStats
	now := time.Now()
	sentAt(h, now, 3)

	res := h.OnAckReceived(ackOf(0, 1, 2), &rtt, 0, now)
	require.Len(t, res.Acked, 3)
	require.Empty(t, res.Lost)
	require.False(t, h.HasInFlight())
}

func TestReorderingThresholdDeclaresLoss(t *testing.T) {
	h := NewSpaceHandler(protocol.PNSpaceApplication)
	var rtt congestion.RTTStats
	rtt.UpdateRTT(50*time.Millisecond, 0)
	now := time.Now()
	sentAt(h, now, 5)

	// Acknowledging packet 4 leaves packet 0 more than kPacketThreshold
	// behind; packet 2 is within the threshold and merely pending.
	res := h.OnAckReceived(ackOf(4), &rtt, 0, now)
	require.Empty(t, res.Acked[1:], "only packet 4 was acknowledged")
	lostPNs := make([]protocol.PacketNumber, 0, len(res.Lost))
	for _, p := range res.Lost {
		lostPNs = append(lostPNs, p.PacketNumber)
	}
	require.Contains(t, lostPNs, protocol.PacketNumber(0))
	require.Contains(t, lostPNs, protocol.PacketNumber(1))
	require.NotContains(t, lostPNs, protocol.PacketNumber(2))
	require.NotContains(t, lostPNs, protocol.PacketNumber(3))
}

func TestTimeThresholdDeclaresLoss(t *testing.T) {
	h := NewSpaceHandler(protocol.PNSpaceApplication)
	var rtt congestion.RTTStats
	rtt.UpdateRTT(40*time.Millisecond, 0)
	start := time.Now()
	sentAt(h, start, 3)

	h.OnAckReceived(ackOf(2), &rtt, 0, start)
	require.False(t, h.LossTime().IsZero(), "unacked older packets arm the loss timer")

	lost := h.DetectTimeLosses(&rtt, start.Add(time.Second))
	require.Len(t, lost, 2)
}
