package erpcgo

import (
	"container/list"
)

// Role distinguishes a session's two possible ends (SPEC_FULL.md
// section 3: "Role: client or server").
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// SessionState is the connection state machine (section 3):
// Uninit -> ConnectInProgress -> Connected -> DisconnectInProgress -> Disconnected,
// with ResetInProgress reachable from Connected.
type SessionState uint8

const (
	Uninit SessionState = iota
	ConnectInProgress
	Connected
	DisconnectInProgress
	Disconnected
	ResetInProgress
)

func (s SessionState) String() string {
	switch s {
	case Uninit:
		return "Uninit"
	case ConnectInProgress:
		return "ConnectInProgress"
	case Connected:
		return "Connected"
	case DisconnectInProgress:
		return "DisconnectInProgress"
	case Disconnected:
		return "Disconnected"
	case ResetInProgress:
		return "ResetInProgress"
	default:
		return "SessionState(?)"
	}
}

// backlogEntry is one overflow enqueue_request call blocked on a free
// sslot (section 4.3: "A request that lacks credits/[a free sslot] is
// appended to a global stall queue" — for the per-session backlog
// specifically, section 4.4: "if no free sslot, push args to the
// session's backlog").
type backlogEntry struct {
	reqType  uint8
	reqBuf   *MsgBuffer
	respBuf  *MsgBuffer
	cont     ContFunc
	tag      any
	bgWorker int
}

// ContFunc is the user-supplied continuation invoked when a client
// RPC completes (successfully or with an error, e.g. ErrSessionReset).
type ContFunc func(resp *RespHandle, tag any, err error)

// ReqFunc is the user-supplied request handler run on the server
// side, foreground or background per the target sslot's bgWorker.
type ReqFunc func(req *ReqHandle)

// Session is a reliable logical connection between two endpoints
// (SPEC_FULL.md section 3). It owns a fixed array of K sslots.
type Session struct {
	SessionNum int
	Role       Role
	State      SessionState

	K int

	sslots []SSlot

	// Client-only fields.
	credits       int
	freeStack     []int // indices into sslots, LIFO
	backlog       *list.List
	backlogGauge  int // backlog depth; not read by any exported method
	cc            *ccState
	numReTx       uint64
	remoteRouting RoutingInfo
	remoteRPCID   int

	// remoteSessionNum is the session-table index the peer uses to
	// address this connection (learned at connect time); it is what
	// DestSessionNum carries on every outbound packet, distinct from
	// SessionNum, this endpoint's own local index.
	remoteSessionNum int

	// Server-only: nothing extra beyond the shared sslots array; each
	// server sslot tracks its own request/response state (sslot.go).
}

func newSession(sessionNum int, role Role, k int, maxDataPerPkt int) *Session {
	s := &Session{
		SessionNum: sessionNum,
		Role:       role,
		State:      Uninit,
		K:          k,
		sslots:     make([]SSlot, k),
		backlog:    list.New(),
	}
	for i := range s.sslots {
		s.sslots[i].index = i
		s.sslots[i].prev = -1
		s.sslots[i].next = -1
		// curReqNum mod K must equal the slot's own index (SPEC_FULL.md
		// section 8); seeding it to i here makes the first generation
		// launched on this slot i+K, the second i+2K, and so on, so
		// int(h.ReqNum) % K (reqresp.go) always demuxes back to slot i.
		s.sslots[i].curReqNum = uint64(i)
	}
	if role == RoleClient {
		s.credits = k
		s.freeStack = make([]int, k)
		for i := 0; i < k; i++ {
			s.freeStack[i] = k - 1 - i
		}
		s.cc = newCCState()
	}
	return s
}

// popFreeSlot pops a free sslot index, or -1 if none (section 4.4).
func (s *Session) popFreeSlot() int {
	n := len(s.freeStack)
	if n == 0 {
		return -1
	}
	idx := s.freeStack[n-1]
	s.freeStack = s.freeStack[:n-1]
	return idx
}

// pushFreeSlot returns a sslot index to the free stack (section 4.5:
// "push the sslot back onto the session's free stack").
func (s *Session) pushFreeSlot(idx int) {
	s.freeStack = append(s.freeStack, idx)
}

// destSessionNum returns the session number to stamp into outbound
// packets' DestSessionNum field (the remote's local table index for
// this connection, not this endpoint's own SessionNum).
func (s *Session) destSessionNum() int {
	return s.remoteSessionNum
}

// outstandingPackets sums each sslot's creditsOut, for the
// credit-conservation invariant (section 8): credits(s) +
// outstanding_packets(s) = K. creditsOut tracks, per sslot, every
// credit currently charged against it (request dispatch, RFR send)
// less every credit already returned (CR, implicit or explicit
// response credit), so it settles to 0 once a round trip completes.
func (s *Session) outstandingPackets() int {
	total := 0
	for i := range s.sslots {
		total += s.sslots[i].client.creditsOut
	}
	return total
}
