package erpcgo

import (
	"fmt"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// Endpoint is the top-level handle an application holds: one endpoint
// per process (or per network interface, if several are desired),
// driven by exactly one dispatcher goroutine (SPEC_FULL.md section 2,
// section 5's single-writer scheduling model). All exported methods
// except RunEventLoop/RunEventLoopOnce are safe to call from any
// goroutine; the dispatch methods themselves must only ever be called
// from the one goroutine designated as the dispatcher.
type Endpoint struct {
	mu  sync.Mutex
	cfg *Config

	sessions []*Session // indexed by local session number, holes left nil
	active   *activeRPCList
	wheel    *timingWheel
	alloc    *slabAllocator
	transport Transport
	sm        *smEngine
	workers   *workerPool
	bg        *bgQueues
	stats     *Stats
	faults    *Faults
	rng       *PRNG

	txBatch     []TxItem
	reqHandlers map[uint8]ReqFunc

	// ringEntriesFree tracks the endpoint's budget of receive-ring
	// entries, decremented by K when CreateSession creates a client
	// session (given back if the connect fails) or a server session is
	// accepted, and returned on DestroySession/reset (section 4.2:
	// "allocate a block of K receive-ring entries (fail if the
	// endpoint has exhausted them)"; section 8 invariant: "After
	// DestroySession... the ring-entry counter is increased by K").
	ringEntriesFree int

	closed       bool
	lastLossScan time.Time

	// OnConnected/OnConnectFailed/OnDisconnected/OnReset are the SM
	// event callbacks (section 4.2/7 kind 2/6). Nil is a valid no-op.
	OnConnected     func(sessionNum int)
	OnConnectFailed func(sessionNum int, err error)
	OnDisconnected  func(sessionNum int)
	OnReset         func(sessionNum int, err error)

	Halt *idem.Halter
}

// NewEndpoint constructs an Endpoint bound to cfg.ListenAddr, with a
// real udpTransport for the datapath (section 4.9).
func NewEndpoint(cfg *Config) (*Endpoint, error) {
	if err := cfg.validate(); err != nil {
		return nil, configError("%s", err.Error())
	}
	transport, err := newUDPTransport(cfg.ListenAddr, cfg.MaxDataPerPkt)
	if err != nil {
		return nil, err
	}
	ep, err := newEndpointWithTransport(cfg, transport)
	if err != nil {
		transport.Close()
		return nil, err
	}
	// newEndpointWithTransport seeds both PRNGs deterministically from
	// RPCID so test harnesses (simTransport pairs) stay reproducible;
	// a real endpoint reseeds them with OS entropy so a restarted process
	// doesn't replay the same SM-token or drop-roll sequence (rand.go).
	ep.rng.Reseed(cryptoSeed32())
	ep.sm.rng.Reseed(cryptoSeed32())
	return ep, nil
}

// newEndpointWithTransport builds an Endpoint over a caller-supplied
// Transport, used by tests to wire in a simTransport instead of real
// UDP (section 4.9).
func newEndpointWithTransport(cfg *Config, transport Transport) (*Endpoint, error) {
	sm, err := newSMEngine(cfg.ListenAddr, cfg.RPCID, cfg)
	if err != nil {
		return nil, err
	}
	var seed [32]byte
	copy(seed[:], []byte(fmt.Sprintf("erpcgo-endpoint-%d", cfg.RPCID)))

	ep := &Endpoint{
		cfg:             cfg,
		transport:       transport,
		sm:              sm,
		wheel:           newTimingWheel(),
		alloc:           newSlabAllocator(cfg.MaxDataPerPkt, cfg.MaxOutstandingMsgBufs, cfg.NumBackgroundWorkers > 0),
		stats:           newStats(),
		faults:          newFaults(),
		rng:             NewPRNG(seed),
		reqHandlers:     make(map[uint8]ReqFunc),
		ringEntriesFree: kNumRxRingEntries,
		Halt:            idem.NewHalterNamed(fmt.Sprintf("erpcgo-endpoint(%d)", cfg.RPCID)),
	}
	ep.active = newActiveRPCList(cfg.SessionCredits, ep.sessionOrNil)

	if cfg.NumBackgroundWorkers > 0 {
		ep.workers = newWorkerPool(cfg.NumBackgroundWorkers)
		ep.bg = newBGQueues(1024)
	} else {
		// With no background workers configured, one pooled goroutine
		// still runs handlers and continuations, one at a time and in
		// submission order, off the dispatcher's goroutine.
		ep.workers = newWorkerPool(1)
	}

	sm.onConnected = ep.handleSMConnected
	sm.onDisconnected = ep.handleSMDisconnected

	return ep, nil
}

// handleSMConnected is the server-side SM accept callback: a remote's
// ConnectReq has been answered, so materialize (or refresh) the local
// server Session (section 4.2: "allocate a session..., transition
// Uninit -> Connected").
func (ep *Endpoint) handleSMConnected(sessionNum int, remote RoutingInfo, remoteSessionNum int) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for sessionNum >= len(ep.sessions) {
		ep.sessions = append(ep.sessions, nil)
	}
	sess := ep.sessions[sessionNum]
	if sess == nil {
		sess = newSession(sessionNum, RoleServer, ep.cfg.SessionCredits, ep.cfg.MaxDataPerPkt)
		ep.sessions[sessionNum] = sess
		ep.ringEntriesFree -= sess.K
	}
	sess.remoteRouting = remote
	sess.remoteSessionNum = remoteSessionNum
	sess.State = Connected
	if ep.OnConnected != nil {
		// Handed off, not called inline: this runs from inside
		// RunEventLoopOnce's locked section, and the natural thing for
		// an OnConnected callback to do is immediately call
		// EnqueueRequest, which would deadlock on ep.mu otherwise.
		ep.workers.submit(func() { ep.OnConnected(sessionNum) })
	}
}

// handleSMDisconnected is the server-side SM disconnect callback
// (section 4.2: symmetric with connect).
func (ep *Endpoint) handleSMDisconnected(sessionNum int) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	sess := ep.sessionOrNil(sessionNum)
	if sess == nil {
		return
	}
	ep.ringEntriesFree += sess.K
	ep.freeSessionBuffersLocked(sess)
	ep.sessions[sessionNum] = nil
	if ep.OnDisconnected != nil {
		ep.workers.submit(func() { ep.OnDisconnected(sessionNum) })
	}
}

// freeSessionBuffersLocked releases every sslot's still-owned buffers
// before a session is torn down: the per-sslot response cache kept for
// duplicate/RFR replay (section 4.4) otherwise outlives the session
// that can ever ask for it again. Must be called with ep.mu held.
func (ep *Endpoint) freeSessionBuffersLocked(sess *Session) {
	for i := range sess.sslots {
		slot := &sess.sslots[i]
		if slot.server.reqMsgbuf != nil && slot.server.reqMsgbuf.Owned {
			ep.alloc.free(slot.server.reqMsgbuf)
		}
		slot.server.reqMsgbuf = nil
		if slot.server.respMsgbuf != nil && slot.server.respMsgbuf.Owned {
			ep.alloc.free(slot.server.respMsgbuf)
		}
		slot.server.respMsgbuf = nil
	}
}

func (ep *Endpoint) allocSessionSlotLocked() int {
	for i, s := range ep.sessions {
		if s == nil {
			return i
		}
	}
	ep.sessions = append(ep.sessions, nil)
	return len(ep.sessions) - 1
}

// CreateSession begins the client side of a connect handshake (section
// 4.2, section 6). The local session number is allocated and returned
// immediately; the handshake itself completes asynchronously, firing
// OnConnected or OnConnectFailed.
func (ep *Endpoint) CreateSession(remoteURI string, remoteRPCID int) (int, error) {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return -1, ErrEndpointClosed
	}

	var routing RoutingInfo
	var err error
	if ep.faults.FailResolveRoutingInfo {
		err = fmt.Errorf("erpcgo: routing resolution forced to fail by fault injection")
	} else {
		routing, err = ep.transport.ResolveRoutingInfo(remoteURI)
	}
	if err != nil {
		ep.mu.Unlock()
		return -1, err
	}
	if ep.ringEntriesFree < ep.cfg.SessionCredits {
		ep.mu.Unlock()
		return -1, fmt.Errorf("erpcgo: endpoint receive-ring entries exhausted")
	}

	sessionNum := ep.allocSessionSlotLocked()
	sess := newSession(sessionNum, RoleClient, ep.cfg.SessionCredits, ep.cfg.MaxDataPerPkt)
	sess.State = ConnectInProgress
	sess.remoteRouting = routing
	sess.remoteRPCID = remoteRPCID
	ep.sessions[sessionNum] = sess
	ep.ringEntriesFree -= sess.K
	ep.mu.Unlock()

	ep.sm.connect(sessionNum, routing.Addr, remoteRPCID, func(ok bool, remote smPacket, smErr error) {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		s := ep.sessionOrNil(sessionNum)
		if s == nil {
			return
		}
		if !ok {
			ep.ringEntriesFree += s.K
			ep.sessions[sessionNum] = nil
			if ep.OnConnectFailed != nil {
				ep.workers.submit(func() { ep.OnConnectFailed(sessionNum, ErrConnectFailed) })
			}
			return
		}
		s.remoteSessionNum = remote.SessionNum
		s.State = Connected
		if ep.OnConnected != nil {
			ep.workers.submit(func() { ep.OnConnected(sessionNum) })
		}
	})
	return sessionNum, nil
}

// DestroySession tears a session down (section 4.2/6). Client sessions
// run the disconnect handshake; server sessions are torn down locally,
// matching the source's asymmetric SM roles.
func (ep *Endpoint) DestroySession(sessionNum int) error {
	ep.mu.Lock()
	sess := ep.sessionOrNil(sessionNum)
	if sess == nil {
		ep.mu.Unlock()
		return ErrSessionNumOutOfRange
	}
	role := sess.Role
	remote := sess.remoteRouting
	remoteRPCID := sess.remoteRPCID
	ep.mu.Unlock()

	if role == RoleClient {
		ep.mu.Lock()
		sess.State = DisconnectInProgress
		ep.mu.Unlock()
		ep.sm.disconnect(sessionNum, remote.Addr, remoteRPCID, func(ok bool, remote smPacket, err error) {
			ep.mu.Lock()
			defer ep.mu.Unlock()
			s := ep.sessionOrNil(sessionNum)
			if s == nil {
				return
			}
			ep.ringEntriesFree += s.K
			ep.freeSessionBuffersLocked(s)
			ep.sessions[sessionNum] = nil
		})
		return nil
	}

	ep.mu.Lock()
	ep.ringEntriesFree += sess.K
	ep.freeSessionBuffersLocked(sess)
	ep.sessions[sessionNum] = nil
	ep.mu.Unlock()
	return nil
}

// resetSession transitions a session to ResetInProgress, drains every
// in-flight client sslot's continuation with ErrSessionReset (section 7
// kind 6, lossrecovery.go's peer-death path), then marks it
// Disconnected, returns its K ring entries and clears its session
// table slot.
func (ep *Endpoint) resetSession(sess *Session) {
	sess.State = ResetInProgress
	for i := range sess.sslots {
		slot := &sess.sslots[i]
		if !slot.inActiveList {
			continue
		}
		// Deliberately not completeClientRequest: that helper drains
		// one backlog entry into a freshly launched request, which
		// would resurrect traffic on a session we've just declared
		// dead. Every in-flight continuation fires with the error
		// flag; the sslot is abandoned, not recycled.
		globalID := ep.active.globalID(sess.SessionNum, slot.index)
		ep.active.remove(globalID)
		cont := slot.client.cont
		tag := slot.client.tag
		respBuf := slot.client.respMsgbuf
		handle := &RespHandle{ep: ep, SessionNum: sess.SessionNum, slotIdx: slot.index, RespBuf: respBuf, Err: ErrSessionReset}
		if cont != nil {
			ep.workers.submit(func() { cont(handle, tag, ErrSessionReset) })
		}
	}
	for sess.backlog.Len() > 0 {
		el := sess.backlog.Front()
		sess.backlog.Remove(el)
		sess.backlogGauge--
		be := el.Value.(*backlogEntry)
		if be.cont != nil {
			ep.workers.submit(func() { be.cont(nil, be.tag, ErrSessionReset) })
		}
	}
	sess.State = Disconnected
	ep.ringEntriesFree += sess.K
	ep.freeSessionBuffersLocked(sess)
	ep.sessions[sess.SessionNum] = nil
	if ep.OnReset != nil {
		ep.workers.submit(func() { ep.OnReset(sess.SessionNum, ErrSessionReset) })
	}
}

// AllocMsgBuffer allocates a MsgBuffer of at most maxDataSize bytes
// (section 6). A returned buffer with Valid() == false signals
// allocator exhaustion (section 7 kind 5); callers detect and retry.
func (ep *Endpoint) AllocMsgBuffer(maxDataSize int) *MsgBuffer {
	if maxDataSize > ep.cfg.MaxMsgSize {
		return &MsgBuffer{}
	}
	return ep.alloc.alloc(maxDataSize, pktMagic)
}

// ResizeMsgBuffer shrinks m in place (section 6/4.1).
func (ep *Endpoint) ResizeMsgBuffer(m *MsgBuffer, newSize int) error {
	return m.resize(newSize)
}

// FreeMsgBuffer returns m's backing allocation to the slab pool.
func (ep *Endpoint) FreeMsgBuffer(m *MsgBuffer) {
	ep.alloc.free(m)
}

// RegisterHandler installs the server-side handler invoked for
// reqType (section 4.4: "invoke the handler").
func (ep *Endpoint) RegisterHandler(reqType uint8, fn ReqFunc) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.reqHandlers[reqType] = fn
}

// EnqueueRequest is the public API's client request entry point
// (section 6).
func (ep *Endpoint) EnqueueRequest(sessionNum int, reqType uint8, reqBuf, respBuf *MsgBuffer, cont ContFunc, tag any, bgWorker int) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	sess := ep.sessionOrNil(sessionNum)
	if sess == nil || sess.Role != RoleClient {
		return ErrSessionNumOutOfRange
	}
	if sess.State != Connected {
		return ErrSessionNotConnected
	}
	return ep.enqueueRequestLocked(sess, reqType, reqBuf, respBuf, cont, tag, bgWorker)
}

// Close stops the background worker pool and the session-management
// engine, then closes the datapath transport (section 4.8's
// idem.Halter-supervised teardown).
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()

	ep.workers.close()
	ep.sm.close()
	err := ep.transport.Close()
	return err
}
