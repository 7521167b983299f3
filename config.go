package erpcgo

import (
	"fmt"
	"time"
)

// Config carries the construction-time knobs for an Endpoint. Unlike
// the transport internals (section 6 of the design), these are meant
// to be set directly by the embedding application or a cmd/ flag set.
type Config struct {
	// ListenAddr is the UDP address the endpoint's dispatcher binds
	// for datapath packets. SM connect/disconnect traffic uses its own
	// UDP socket, bound one port above ListenAddr (smgmt.go).
	ListenAddr string

	// RPCID is this endpoint's integer id, unique within the host
	// process. (hostname, ListenAddr port, RPCID) globally identifies
	// the endpoint.
	RPCID int

	// SessionCredits is K, the fixed per-session sslot count and
	// initial credit count. Must be a power of two so cur_req_num's
	// low bits exactly encode the slot index.
	SessionCredits int

	// MaxMsgSize bounds alloc_msg_buffer's max_data_size argument.
	MaxMsgSize int

	// MaxDataPerPkt is the payload capacity of one packet, excluding
	// the packet header.
	MaxDataPerPkt int

	// PacingEnabled turns the timing wheel on. When false, every
	// packet bypasses the wheel (section 4.3's "pacing is disabled").
	PacingEnabled bool

	// NumBackgroundWorkers is the number of goroutines draining the
	// background dispatch queues (section 4.8). Zero means a single
	// pooled goroutine runs handlers and continuations one at a time,
	// in submission order; either way they never run on the
	// dispatcher's own goroutine while RunEventLoopOnce holds its lock.
	NumBackgroundWorkers int

	// MaxOutstandingMsgBufs bounds the slab allocator (section 4.1's
	// "hugepage allocator", realized here as a sync.Pool-backed slab
	// pool with a configured ceiling rather than a literal hugepage
	// reservation).
	MaxOutstandingMsgBufs int

	// SMTimeout is the session-management request retransmit timeout
	// (default 100ms per section 5; 10ms is customary under test).
	SMTimeout time.Duration

	// SMTokenSweepInterval is not read by any code path: nothing
	// schedules smEngine.sweepStaleTokens, the age-based sweep of the
	// server-side conn_req_token_map.
	SMTokenSweepInterval time.Duration

	// RTOTimeout is the per-sslot retransmission timeout (section
	// 4.6). Measured as time.Duration rather than cycles, since Go has
	// no cheap portable cycle counter.
	RTOTimeout time.Duration

	// LossScanInterval is how often the dispatcher scans the
	// active-RPC list for stalled sslots (section 4.6/4.7 step 6).
	LossScanInterval time.Duration

	// MaxRetriesBeforeReset bounds a session's cumulative retransmit
	// count before it is declared peer-dead and reset (section 7 kind
	// 6: "detected via excessive retransmits").
	MaxRetriesBeforeReset uint64

	// Verbose and VerboseVerbose gate the vv/pp debug-print helpers
	// in logging.go.
	Verbose        bool
	VerboseVerbose bool
}

// NewConfig returns a Config with the defaults implied by the spec:
// K=8 credits, 100ms SM timeout, pacing on.
func NewConfig() *Config {
	return &Config{
		SessionCredits:        8,
		MaxMsgSize:            1 << 20,
		MaxDataPerPkt:         4096,
		PacingEnabled:         true,
		NumBackgroundWorkers:  0,
		MaxOutstandingMsgBufs: 4096,
		SMTimeout:             100 * time.Millisecond,
		SMTokenSweepInterval:  1 * time.Second,
		RTOTimeout:            50 * time.Millisecond,
		LossScanInterval:      5 * time.Millisecond,
		MaxRetriesBeforeReset: 16,
	}
}

// validate checks the invariants construction depends on, matching
// SPEC_FULL.md section 7 kind 1 (configuration/construction errors are
// fatal and surfaced as a fault-with-message, never a silent default).
func (c *Config) validate() error {
	if c.SessionCredits <= 0 || c.SessionCredits&(c.SessionCredits-1) != 0 {
		return fmt.Errorf("erpcgo: SessionCredits must be a power of two, got %d", c.SessionCredits)
	}
	if c.MaxDataPerPkt <= 0 {
		return fmt.Errorf("erpcgo: MaxDataPerPkt must be positive")
	}
	// (1<<kPktNumBits) * MaxDataPerPkt > 2 * kMaxMsgSize, section 3.
	// kPktNumBits is derived, not configured; here we just check the
	// weaker, configuration-level half of the invariant: a message
	// must decompose into a representable packet count.
	if c.MaxMsgSize <= 0 || c.MaxMsgSize < c.MaxDataPerPkt {
		return fmt.Errorf("erpcgo: MaxMsgSize must be >= MaxDataPerPkt")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("erpcgo: ListenAddr required")
	}
	return nil
}
