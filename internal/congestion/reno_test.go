package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/menchan-Rub/quantum/internal/protocol"
)

func TestSlowStartGrowsByAckedBytes(t *testing.T) {
	r := NewReno()
	require.True(t, r.InSlowStart())
	start := r.Cwnd()

	now := time.Now()
	p := SentPacketInfo{PacketNumber: 0, SentTime: now, Size: 1200, InFlight: true}
	r.OnPacketSent(p)
	r.OnPacketAcked(p, now.Add(50*time.Millisecond))

	require.Equal(t, start+1200, r.Cwnd())
	require.Zero(t, r.BytesInFlight())
}

func TestLossHalvesWindowOncePerEpisode(t *testing.T) {
	r := NewReno()
	now := time.Now()
	var pkts []SentPacketInfo
	for i := 0; i < 4; i++ {
		p := SentPacketInfo{PacketNumber: protocol.PacketNumber(i), SentTime: now, Size: 1200, InFlight: true}
		r.OnPacketSent(p)
		pkts = append(pkts, p)
	}
	before := r.Cwnd()

	r.OnPacketsLost(pkts[:2], now.Add(time.Millisecond))
	halved := r.Cwnd()
	require.Equal(t, protocol.ByteCount(float64(before)*0.5), halved)
	require.False(t, r.InSlowStart())

	// Losses from the same recovery episode don't halve again.
	r.OnPacketsLost(pkts[2:], now.Add(2*time.Millisecond))
	require.Equal(t, halved, r.Cwnd())
}

func TestWindowNeverBelowMinimum(t *testing.T) {
	r := NewReno()
	now := time.Now()
	for i := 0; i < 20; i++ {
		p := SentPacketInfo{PacketNumber: protocol.PacketNumber(i), SentTime: now.Add(time.Duration(i) * time.Second), Size: 1200, InFlight: true}
		r.OnPacketSent(p)
		r.OnPacketsLost([]SentPacketInfo{p}, now.Add(time.Duration(i)*time.Second+time.Millisecond))
	}
	require.GreaterOrEqual(t, r.Cwnd(), protocol.ByteCount(minWindow))
}

func TestCanSendRespectsWindow(t *testing.T) {
	r := NewReno()
	now := time.Now()
	var sent protocol.ByteCount
	for i := 0; r.CanSend(1200); i++ {
		r.OnPacketSent(SentPacketInfo{PacketNumber: protocol.PacketNumber(i), SentTime: now, Size: 1200, InFlight: true})
		sent += 1200
	}
	require.LessOrEqual(t, sent, r.Cwnd())
	require.False(t, r.CanSend(1200))
}

func TestRTTSmoothing(t *testing.T) {
	var rtt RTTStats
	rtt.UpdateRTT(100*time.Millisecond, 0)
	require.Equal(t, 100*time.Millisecond, rtt.SmoothedRTT())
	require.Equal(t, 100*time.Millisecond, rtt.MinRTT())

	rtt.UpdateRTT(200*time.Millisecond, 0)
	require.Greater(t, rtt.SmoothedRTT(), 100*time.Millisecond)
	require.Less(t, rtt.SmoothedRTT(), 200*time.Millisecond)
	require.Equal(t, 100*time.Millisecond, rtt.MinRTT())
}

func TestPTONeverZero(t *testing.T) {
	var rtt RTTStats
	require.Greater(t, rtt.PTO(0), time.Duration(0))
	rtt.UpdateRTT(30*time.Millisecond, 0)
	require.GreaterOrEqual(t, rtt.PTO(25*time.Millisecond), 30*time.Millisecond)
}

func TestIdleRestartsSlowStart(t *testing.T) {
	r := NewReno()
	now := time.Now()
	p := SentPacketInfo{PacketNumber: 0, SentTime: now, Size: 1200, InFlight: true}
	r.OnPacketSent(p)
	r.OnPacketsLost([]SentPacketInfo{p}, now.Add(time.Millisecond))
	require.False(t, r.InSlowStart())

	r.OnIdle(now.Add(time.Minute), 10*time.Second)
	require.True(t, r.InSlowStart())
	require.Equal(t, protocol.ByteCount(initialWindow), r.Cwnd())
}
