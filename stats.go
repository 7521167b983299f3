package erpcgo

import (
	"sync"
	"time"

	"github.com/caio/go-tdigest"
)

// Stats holds the endpoint-wide counters and latency digest exposed
// through introspection (SPEC_FULL.md section 4.11, grounded on
// rpc.h's dpath_stats struct: one field at a time, nothing aggregated
// the source doesn't also track).
type Stats struct {
	mut sync.Mutex

	dropped   uint64
	allocFail uint64

	digest *tdigest.TDigest
}

func newStats() *Stats {
	d, _ := tdigest.New(tdigest.Compression(100))
	return &Stats{digest: d}
}

func (s *Stats) incDropped() {
	s.mut.Lock()
	s.dropped++
	s.mut.Unlock()
}

func (s *Stats) incAllocFail() {
	s.mut.Lock()
	s.allocFail++
	s.mut.Unlock()
}

// recordRTT feeds one completed-round-trip sample into the endpoint's
// latency digest (section 4.11: "recording one value per completed
// RPC round trip"). It receives the same samples as
// ccState.onRTTSample, including those taken after a retransmission.
func (s *Stats) recordRTT(rtt time.Duration) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.digest != nil {
		s.digest.Add(float64(rtt))
	}
}

func (s *Stats) numDropped() uint64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.dropped
}

func (s *Stats) numAllocFail() uint64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.allocFail
}

// NumActiveSessions reports the count of sessions in the Connected
// state (section 4.11).
func (ep *Endpoint) NumActiveSessions() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	n := 0
	for _, sess := range ep.sessions {
		if sess != nil && sess.State == Connected {
			n++
		}
	}
	return n
}

// IsConnected reports whether sessionNum names a Connected session.
func (ep *Endpoint) IsConnected(sessionNum int) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	sess := ep.sessionOrNil(sessionNum)
	return sess != nil && sess.State == Connected
}

// GetBandwidth reports the session's current congestion-control send
// rate estimate in bytes/sec, or 0 for a server session or an unknown
// sessionNum (section 4.11).
func (ep *Endpoint) GetBandwidth(sessionNum int) float64 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	sess := ep.sessionOrNil(sessionNum)
	if sess == nil || sess.cc == nil {
		return 0
	}
	return sess.cc.rateBytesPerSec
}

// GetNumReTx reports the session's cumulative retransmit count.
func (ep *Endpoint) GetNumReTx(sessionNum int) uint64 {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	sess := ep.sessionOrNil(sessionNum)
	if sess == nil {
		return 0
	}
	return sess.numReTx
}

// ResetNumReTx zeroes the session's retransmit counter.
func (ep *Endpoint) ResetNumReTx(sessionNum int) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	sess := ep.sessionOrNil(sessionNum)
	if sess != nil {
		sess.numReTx = 0
	}
}

// LatencyDigest exposes the endpoint-wide round-trip latency digest
// (section 4.11). Callers must not mutate the returned digest.
func (ep *Endpoint) LatencyDigest() *tdigest.TDigest {
	ep.stats.mut.Lock()
	defer ep.stats.mut.Unlock()
	return ep.stats.digest
}

func (ep *Endpoint) sessionOrNil(sessionNum int) *Session {
	if sessionNum < 0 || sessionNum >= len(ep.sessions) {
		return nil
	}
	return ep.sessions[sessionNum]
}
