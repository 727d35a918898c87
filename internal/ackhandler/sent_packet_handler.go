// Package ackhandler tracks sent-but-unacknowledged packets per packet
// number space, turns incoming ACK frames into loss-detection decisions,
// and decides when a PTO probe is due. It sits directly on top of
// internal/congestion, mirroring the real quic-go project's split between
// "did this ACK tell us something new" and "what should the congestion
// window do about it".
package ackhandler

import (
	"sync"
	"time"

	"github.com/menchan-Rub/quantum/internal/congestion"
	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/internal/wire"
)

// Packet is a sent packet pending acknowledgment, along with the frames
// it carried (needed to requeue them on loss).
type Packet struct {
	PacketNumber protocol.PacketNumber
	SentTime     time.Time
	Size         protocol.ByteCount
	Frames       []wire.Frame
	InFlight     bool
	IsPathProbe  bool
}

// SpaceHandler tracks one packet-number space's in-flight packets and
// ACK bookkeeping. The connection's receive path (ACK processing) and
// send path (packet-number allocation) call in concurrently.
type SpaceHandler struct {
	space protocol.PacketNumberSpace

	mu sync.Mutex

	sent map[protocol.PacketNumber]*Packet

	largestSent     protocol.PacketNumber
	largestAcked    protocol.PacketNumber
	lossTime        time.Time

	ptoCount int
}

func NewSpaceHandler(space protocol.PacketNumberSpace) *SpaceHandler {
	return &SpaceHandler{
		space:        space,
		sent:         make(map[protocol.PacketNumber]*Packet),
		largestSent:  -1,
		largestAcked: -1,
	}
}

// NextPacketNumber allocates the next strictly-increasing packet number
// in this space.
func (s *SpaceHandler) NextPacketNumber() protocol.PacketNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.largestSent++
	return s.largestSent
}

func (s *SpaceHandler) LargestSent() protocol.PacketNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.largestSent
}

// LargestAcked is the largest packet number the peer has acknowledged in
// this space, used to pick the minimal unambiguous packet-number encoding
// for the next packet (RFC 9000 Appendix A).
func (s *SpaceHandler) LargestAcked() protocol.PacketNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.largestAcked
}

// SentPacket records a packet this endpoint just emitted.
func (s *SpaceHandler) SentPacket(p *Packet) {
	s.mu.Lock()
	s.sent[p.PacketNumber] = p
	s.mu.Unlock()
}

// LossResult reports what an ACK did: newly-acknowledged packets (for
// congestion-window growth) and newly-lost ones (for retransmission +
// congestion-window reduction).
type LossResult struct {
	Acked []*Packet
	Lost  []*Packet
}

// OnAckReceived processes an incoming ACK frame: it never lowers
// largestAcked, removes acknowledged packets from the
// in-flight set, and applies RFC 9002 §6.1's reordering/time thresholds
// to the remaining unacknowledged packets sent before the newly
// acknowledged largest packet number.
func (s *SpaceHandler) OnAckReceived(ack *wire.AckFrame, rtt *congestion.RTTStats, ackDelay time.Duration, now time.Time) LossResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	largest := ack.LargestAcked()
	if largest > s.largestAcked {
		s.largestAcked = largest
		if p, ok := s.sent[largest]; ok {
			rtt.UpdateRTT(now.Sub(p.SentTime), ackDelay)
		}
	}

	var result LossResult
	for pn, p := range s.sent {
		if ack.AcksPacket(pn) {
			result.Acked = append(result.Acked, p)
			delete(s.sent, pn)
		}
	}

	lossDelay := congestion.LossDelay(rtt.SmoothedRTT(), rtt.LatestRTT())
	s.lossTime = time.Time{}
	for pn, p := range s.sent {
		if pn > s.largestAcked {
			continue
		}
		lostByReorder := s.largestAcked-pn >= congestion.PacketThreshold
		lostByTime := !p.SentTime.IsZero() && now.Sub(p.SentTime) > lossDelay
		if lostByReorder || lostByTime {
			result.Lost = append(result.Lost, p)
			delete(s.sent, pn)
			continue
		}
		// Not lost yet, but schedule a future loss-time check.
		deadline := p.SentTime.Add(lossDelay)
		if s.lossTime.IsZero() || deadline.Before(s.lossTime) {
			s.lossTime = deadline
		}
	}
	if len(result.Acked) > 0 {
		s.ptoCount = 0
	}
	return result
}

// LossTime is the next instant at which an unacknowledged packet should
// be declared lost purely by the time threshold, used to arm a timer
// alongside the PTO.
func (s *SpaceHandler) LossTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lossTime
}

// DetectTimeLosses re-applies the time threshold without a new ACK, for
// the loss-timer path: packets sent before the largest-acked packet whose
// loss deadline has passed are returned for retransmission.
func (s *SpaceHandler) DetectTimeLosses(rtt *congestion.RTTStats, now time.Time) []*Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	lossDelay := congestion.LossDelay(rtt.SmoothedRTT(), rtt.LatestRTT())
	var lost []*Packet
	s.lossTime = time.Time{}
	for pn, p := range s.sent {
		if pn > s.largestAcked {
			continue
		}
		if now.Sub(p.SentTime) > lossDelay {
			lost = append(lost, p)
			delete(s.sent, pn)
			continue
		}
		deadline := p.SentTime.Add(lossDelay)
		if s.lossTime.IsZero() || deadline.Before(s.lossTime) {
			s.lossTime = deadline
		}
	}
	return lost
}

// HasInFlight reports whether this space has any unacknowledged,
// ack-eliciting packets outstanding (relevant for PTO arming).
func (s *SpaceHandler) HasInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.sent {
		if p.InFlight {
			return true
		}
	}
	return false
}

// PTOCount is how many consecutive probe timeouts have fired without a
// new ACK, used for exponential PTO backoff.
func (s *SpaceHandler) PTOCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptoCount
}

func (s *SpaceHandler) OnPTOFired() {
	s.mu.Lock()
	s.ptoCount++
	s.mu.Unlock()
}
