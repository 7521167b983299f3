package erpcgo

import "time"

// clientInfo holds the client-role fields of an SSlot (SPEC_FULL.md
// section 3: "Client sslot fields: request MsgBuffer pointer, response
// MsgBuffer pointer, per-packet transmit timestamps indexed by
// pkt_num mod K, in_wheel bitset of same size, wheel_count,
// continuation callback and tag, target background worker id (or
// none), counters num_tx and num_rx").
type clientInfo struct {
	reqMsgbuf  *MsgBuffer
	respMsgbuf *MsgBuffer

	txTS      []time.Time  // indexed by pkt_num mod K
	inWheel   []bool       // indexed by pkt_num mod K
	wheelItems []*wheelItem // indexed by pkt_num mod K, paired with inWheel
	wheelCount int

	cont     ContFunc
	tag      any
	bgWorker int

	numTx uint32
	numRx uint32

	// respTx/respRx are the response phase's own pkt_num space (section
	// 4.5), separate from numTx/numRx which only ever count request
	// packets. respTx is the width of the admission window opened by
	// sendPendingRFRs (starts at 1: packet 0 needs no RFR); respRx
	// counts response packets received so far.
	respTx int
	respRx int

	// creditsOut is this sslot's share of the session's consumed
	// credits: incremented at every point a credit is charged for this
	// sslot (request dispatch, RFR send) and decremented at every
	// point one is returned (CR, implicit or explicit response
	// credit). Used by outstandingPackets() (section 8's
	// credit-conservation law): sums to 0 once a request/response round
	// trip completes.
	creditsOut int

	numReqPkts  int
	numRespPkts int
}

// serverInfo holds the server-role fields (section 3: "Server sslot
// fields: assembled request MsgBuffer ..., response MsgBuffer pointer
// ..., the request handler's request type").
type serverInfo struct {
	reqMsgbuf  *MsgBuffer
	respMsgbuf *MsgBuffer
	reqType    uint8

	// respPreallocated marks a response buffer the handler reused
	// in-place rather than allocating dynamically (section 3's
	// "may be a preallocated per-sslot buffer or a dynamic one,
	// flagged").
	respPreallocated bool

	// handlerRunning is set only once the full request has been
	// assembled and the handler dispatched (reqresp.go's
	// handleRequestPacket); it must not be set on receipt of packet 0
	// of a multi-packet request, or every later assembly packet of
	// that same generation reads as a duplicate and the request never
	// finishes assembling.
	handlerRunning bool

	// numRxPkts counts packets copied into reqMsgbuf for the current
	// generation, so handleRequestPacket can tell "next expected
	// assembly packet" (h.PktNum == numRxPkts) apart from a genuine
	// retransmitted duplicate (h.PktNum < numRxPkts, or the handler has
	// already been dispatched).
	numRxPkts int

	// numReqPkts is the assembled request's packet count.
	numReqPkts int
}

// SSlot is a fixed per-session resource representing one in-flight
// request/response exchange (section 3). The same struct layout
// serves both roles; only one of client/server is ever populated,
// discriminated by the owning session's Role (section 9 design note:
// "model as a sum variant tagged by session role").
type SSlot struct {
	index      int
	sessionNum int
	curReqNum  uint64

	client clientInfo
	server serverInfo

	// prev/next realize the sentinel-based intrusive active-RPC list
	// (section 9) as array indices into the endpoint's flat sslot
	// index space (activelist.go), rather than real pointers, since
	// Go sslots live inside their session's slice.
	prev, next int
	inActiveList bool
}

// resetForNewRequest clears a sslot for reuse, called when a new request is
// dispatched onto it (section 4.4: "assign cur_req_num += K, initialize
// num_tx = num_rx = 0").
func (s *SSlot) resetForNewRequest(k int) {
	s.client.numTx = 0
	s.client.numRx = 0
	s.client.respTx = 0
	s.client.respRx = 0
	s.client.creditsOut = 0
	s.client.wheelCount = 0
	if len(s.client.txTS) != k {
		s.client.txTS = make([]time.Time, k)
		s.client.inWheel = make([]bool, k)
		s.client.wheelItems = make([]*wheelItem, k)
	} else {
		for i := range s.client.txTS {
			s.client.txTS[i] = time.Time{}
			s.client.inWheel[i] = false
			s.client.wheelItems[i] = nil
		}
	}
}

// lastTxTime returns the transmit timestamp of the most recently sent
// packet, used by the RTO scan (section 4.6).
func (s *SSlot) lastTxTime(k int) time.Time {
	if s.client.numTx == 0 {
		return time.Time{}
	}
	return s.client.txTS[(s.client.numTx-1)%uint32(k)]
}
