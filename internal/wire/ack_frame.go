package wire

import (
	"bytes"
	"time"

	"github.com/menchan-Rub/quantum/internal/protocol"
	"github.com/menchan-Rub/quantum/quicvarint"
)

// AckRange is an inclusive [Smallest, Largest] run of acknowledged
// packet numbers.
type AckRange struct {
	Smallest protocol.PacketNumber
	Largest  protocol.PacketNumber
}

// AckFrame is RFC 9000 §19.3, optionally carrying ECN counts.
type AckFrame struct {
	AckRanges  []AckRange // sorted largest-first, as on the wire
	DelayTime  time.Duration
	ECT0, ECT1, ECNCE uint64
	HasECN     bool
}

// LargestAcked is the largest packet number this frame acknowledges.
func (f *AckFrame) LargestAcked() protocol.PacketNumber {
	if len(f.AckRanges) == 0 {
		return -1
	}
	return f.AckRanges[0].Largest
}

// AcksPacket reports whether pn is covered by any range in the frame.
func (f *AckFrame) AcksPacket(pn protocol.PacketNumber) bool {
	for _, r := range f.AckRanges {
		if pn >= r.Smallest && pn <= r.Largest {
			return true
		}
	}
	return false
}

func parseAckFrame(r *bytes.Reader, ecn bool) (*AckFrame, error) {
	largest, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	delay, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	numRanges, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	firstRangeLen, err := readVarIntReader(r)
	if err != nil {
		return nil, err
	}
	f := &AckFrame{DelayTime: time.Duration(delay)}
	largestPN := protocol.PacketNumber(largest)
	smallest := largestPN - protocol.PacketNumber(firstRangeLen)
	f.AckRanges = append(f.AckRanges, AckRange{Smallest: smallest, Largest: largestPN})

	for i := uint64(0); i < numRanges; i++ {
		gap, err := readVarIntReader(r)
		if err != nil {
			return nil, err
		}
		rangeLen, err := readVarIntReader(r)
		if err != nil {
			return nil, err
		}
		newLargest := smallest - protocol.PacketNumber(gap) - 2
		newSmallest := newLargest - protocol.PacketNumber(rangeLen)
		f.AckRanges = append(f.AckRanges, AckRange{Smallest: newSmallest, Largest: newLargest})
		smallest = newSmallest
	}

	if ecn {
		f.HasECN = true
		if f.ECT0, err = readVarIntReader(r); err != nil {
			return nil, err
		}
		if f.ECT1, err = readVarIntReader(r); err != nil {
			return nil, err
		}
		if f.ECNCE, err = readVarIntReader(r); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *AckFrame) Append(b []byte) ([]byte, error) {
	ft := FrameTypeAck
	if f.HasECN {
		ft = FrameTypeAckECN
	}
	b = quicvarint.Append(b, uint64(ft))
	b = quicvarint.Append(b, uint64(f.AckRanges[0].Largest))
	b = quicvarint.Append(b, uint64(f.DelayTime))
	b = quicvarint.Append(b, uint64(len(f.AckRanges)-1))
	b = quicvarint.Append(b, uint64(f.AckRanges[0].Largest-f.AckRanges[0].Smallest))

	prevSmallest := f.AckRanges[0].Smallest
	for _, r := range f.AckRanges[1:] {
		gap := prevSmallest - r.Largest - 2
		rangeLen := r.Largest - r.Smallest
		b = quicvarint.Append(b, uint64(gap))
		b = quicvarint.Append(b, uint64(rangeLen))
		prevSmallest = r.Smallest
	}
	if f.HasECN {
		b = quicvarint.Append(b, f.ECT0)
		b = quicvarint.Append(b, f.ECT1)
		b = quicvarint.Append(b, f.ECNCE)
	}
	return b, nil
}

func (f *AckFrame) Length() int {
	buf, _ := f.Append(nil)
	return len(buf)
}
