package congestion

import "time"

// PacketThreshold and TimeThresholdFactor are RFC 9002 §6.1's defaults:
// a packet is declared lost if a later packet by at least this many
// packet numbers has been acknowledged, or if this much time has passed
// since it was sent (expressed as a multiple of max(srtt, latest_rtt)),
// whichever fires first.
const (
	PacketThreshold    = 3
	TimeThresholdNum   = 9
	TimeThresholdDenom = 8
	// granularity is the system timer granularity floor RFC 9002 adds to
	// the time threshold so it never goes below one tick.
	granularity = time.Millisecond
)

// LossDelay returns the time-threshold loss window given the larger of
// smoothed and latest RTT, per RFC 9002 §6.1.2.
func LossDelay(srtt, latestRTT time.Duration) time.Duration {
	rtt := srtt
	if latestRTT > rtt {
		rtt = latestRTT
	}
	delay := rtt * TimeThresholdNum / TimeThresholdDenom
	if delay < granularity {
		delay = granularity
	}
	return delay
}
