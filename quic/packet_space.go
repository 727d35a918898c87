package quic

import (
	"sort"
	"sync"

	"github.com/menchan-Rub/quantum/internal/ackhandler"
	"github.com/menchan-Rub/quantum/internal/handshake"
	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/internal/wire"
)

// packetSpace bundles everything scoped to one packet-number space
// (Initial, Handshake, Application): its keys once installed, its
// sent-packet/loss-recovery bookkeeping, the CRYPTO stream's send/receive
// cursors, the set of packet numbers owed an ACK, and the queue of frames
// waiting to be retransmitted after a loss. The receive path and the send
// pump touch a space concurrently, so its mutable state is guarded here
// rather than by a connection-wide lock.
type packetSpace struct {
	level protocol.EncryptionLevel

	sent *ackhandler.SpaceHandler

	mu sync.Mutex

	keys *handshake.KeySet

	cryptoSendBuf    []byte
	cryptoSendOffset protocol.ByteCount

	largestReceived protocol.PacketNumber
	ackRanges       []wire.AckRange
	ackElicited     bool

	// retransmitQueue holds lost STREAM/CRYPTO frames verbatim; their
	// offsets are already fixed, so they are re-emitted as-is rather than
	// re-entering a send buffer.
	retransmitQueue []wire.Frame
}

func newPacketSpace(level protocol.EncryptionLevel) *packetSpace {
	return &packetSpace{
		level:           level,
		sent:            ackhandler.NewSpaceHandler(level.PacketNumberSpace()),
		largestReceived: -1,
	}
}

func (s *packetSpace) setKeys(k *handshake.KeySet) {
	s.mu.Lock()
	s.keys = k
	s.mu.Unlock()
}

func (s *packetSpace) sealKeys() *handshake.DirectionalKeys {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		return nil
	}
	return s.keys.Seal
}

func (s *packetSpace) openKeys() *handshake.DirectionalKeys {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys == nil {
		return nil
	}
	return s.keys.Open
}

func (s *packetSpace) setSeal(d *handshake.DirectionalKeys) {
	s.mu.Lock()
	if s.keys == nil {
		s.keys = &handshake.KeySet{}
	}
	s.keys.Seal = d
	s.mu.Unlock()
}

func (s *packetSpace) setOpen(d *handshake.DirectionalKeys) {
	s.mu.Lock()
	if s.keys == nil {
		s.keys = &handshake.KeySet{}
	}
	s.keys.Open = d
	s.mu.Unlock()
}

// dropKeys discards this space's key material per RFC 9001 §4.9, after
// which no packet can be sent or opened at this level.
func (s *packetSpace) dropKeys() {
	s.mu.Lock()
	s.keys = nil
	s.cryptoSendBuf = nil
	s.retransmitQueue = nil
	s.mu.Unlock()
}

func (s *packetSpace) queueCrypto(data []byte) {
	s.mu.Lock()
	s.cryptoSendBuf = append(s.cryptoSendBuf, data...)
	s.mu.Unlock()
}

// takeCrypto returns (and consumes) the buffered CRYPTO send data along
// with its stream offset.
func (s *packetSpace) takeCrypto() ([]byte, protocol.ByteCount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cryptoSendBuf) == 0 {
		return nil, s.cryptoSendOffset
	}
	data := s.cryptoSendBuf
	off := s.cryptoSendOffset
	s.cryptoSendBuf = nil
	s.cryptoSendOffset += protocol.ByteCount(len(data))
	return data, off
}

func (s *packetSpace) queueRetransmit(frames []wire.Frame) {
	s.mu.Lock()
	s.retransmitQueue = append(s.retransmitQueue, frames...)
	s.mu.Unlock()
}

func (s *packetSpace) takeRetransmit() []wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.retransmitQueue
	s.retransmitQueue = nil
	return q
}

func (s *packetSpace) markAckElicited() {
	s.mu.Lock()
	s.ackElicited = true
	s.mu.Unlock()
}

// recordReceived folds a newly-received packet number into the ACK-range
// set, merging adjacent/overlapping ranges, per RFC 9000 §13.2.
func (s *packetSpace) recordReceived(pn protocol.PacketNumber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pn > s.largestReceived {
		s.largestReceived = pn
	}
	for _, r := range s.ackRanges {
		if pn >= r.Smallest && pn <= r.Largest {
			return
		}
	}
	s.ackRanges = append(s.ackRanges, wire.AckRange{Smallest: pn, Largest: pn})
	sort.Slice(s.ackRanges, func(i, j int) bool { return s.ackRanges[i].Largest > s.ackRanges[j].Largest })

	merged := s.ackRanges[:0]
	for _, r := range s.ackRanges {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if r.Largest+1 >= last.Smallest && r.Largest <= last.Largest {
				if r.Smallest < last.Smallest {
					last.Smallest = r.Smallest
				}
				continue
			}
		}
		merged = append(merged, r)
	}
	s.ackRanges = merged
}

func (s *packetSpace) largestReceivedPN() protocol.PacketNumber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.largestReceived
}

// takeAckFrame returns an ACK frame covering everything received so far,
// or nil if no ack-eliciting packet is owed one; the elicited flag is
// consumed.
func (s *packetSpace) takeAckFrame() *wire.AckFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ackElicited || len(s.ackRanges) == 0 {
		return nil
	}
	s.ackElicited = false
	ranges := make([]wire.AckRange, len(s.ackRanges))
	copy(ranges, s.ackRanges)
	return &wire.AckFrame{AckRanges: ranges}
}
