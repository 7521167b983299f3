package erpcgo

import (
	"time"

	"github.com/caio/go-tdigest"
)

// Congestion-control constants, Timely-style (rpc.h's fields for
// additive-increase/multiplicative-decrease on measured RTT).
const (
	ccInitRateBytesPerSec  = 10 << 20 // 10 MB/s starting guess
	ccMinRateBytesPerSec   = 64 << 10
	ccMaxRateBytesPerSec   = 1 << 30
	ccAdditiveIncrease     = 1 << 18
	ccMultiplicativeDecay  = 0.8
	ccLowThreshold         = 1.1 // RTT within 10% of min RTT: increase
	ccHighThreshold        = 1.5 // RTT 50%+ over min RTT: decrease
	ccUncongestedRateFloor = ccInitRateBytesPerSec / 2
)

// ccState is a client session's per-session congestion-control state
// (SPEC_FULL.md section 4.3/9: "Congestion control (RTT-based)").
// Updated only by the dispatcher goroutine on response-packet-0
// arrival, so it needs no internal lock.
type ccState struct {
	rateBytesPerSec float64
	minRTT          time.Duration
	lastRTT         time.Duration
	lastUpdate      time.Time

	digest *tdigest.TDigest
}

func newCCState() *ccState {
	d, _ := tdigest.New(tdigest.Compression(100))
	return &ccState{
		rateBytesPerSec: ccInitRateBytesPerSec,
		digest:          d,
	}
}

// onRTTSample updates the rate estimate from one measured round trip
// (section 4.3 expansion: "Congestion control... updates per-session
// send rate from measured round-trip times"). handleResponsePacket
// calls it for every response packet 0, measured from the request's
// packet-0 transmit timestamp, which a retransmission overwrites;
// samples that follow a retransmission are not told apart or discarded.
func (c *ccState) onRTTSample(rtt time.Duration, now time.Time) {
	if c.minRTT == 0 || rtt < c.minRTT {
		c.minRTT = rtt
	}
	c.lastRTT = rtt
	c.lastUpdate = now

	if c.digest != nil {
		c.digest.Add(float64(rtt))
	}

	ratio := float64(rtt) / float64(c.minRTT)
	switch {
	case ratio <= ccLowThreshold:
		c.rateBytesPerSec += ccAdditiveIncrease
	case ratio >= ccHighThreshold:
		c.rateBytesPerSec *= ccMultiplicativeDecay
	}
	if c.rateBytesPerSec > ccMaxRateBytesPerSec {
		c.rateBytesPerSec = ccMaxRateBytesPerSec
	}
	if c.rateBytesPerSec < ccMinRateBytesPerSec {
		c.rateBytesPerSec = ccMinRateBytesPerSec
	}
}

// uncongested reports whether the session's sending rate is at or
// above the "link capacity" threshold this implementation uses for the
// wheel-bypass decision (section 4.3: "Wheel bypass is permitted...
// when the session is currently uncongested").
func (c *ccState) uncongested() bool {
	return c.rateBytesPerSec >= ccUncongestedRateFloor
}

// targetTxTime computes the virtual transmit timestamp for a
// pktSize-byte packet released now (section 4.3: "compute target
// transmit timestamp as now + pkt_size / current_rate").
func (c *ccState) targetTxTime(now time.Time, pktSize int) time.Time {
	if c.rateBytesPerSec <= 0 {
		return now
	}
	delay := time.Duration(float64(pktSize) / c.rateBytesPerSec * float64(time.Second))
	return now.Add(delay)
}

// latencyQuantile reports the q-th percentile (0..1) of observed RTTs,
// backing Endpoint.LatencyDigest (section 4.11).
func (c *ccState) latencyQuantile(q float64) time.Duration {
	if c.digest == nil {
		return 0
	}
	return time.Duration(c.digest.Quantile(q))
}
