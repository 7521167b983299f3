package erpcgo

import (
	"fmt"
	"net"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/glycerine/idem"
)

// SMPktType discriminates the four session-management datagram kinds
// (SPEC_FULL.md section 6: "ConnectReq, ConnectResp, DisconnectReq,
// DisconnectResp, each with a status on responses").
type SMPktType uint8

const (
	SMConnectReq SMPktType = iota
	SMConnectResp
	SMDisconnectReq
	SMDisconnectResp
)

// SMStatus is the outcome carried on SM response packets.
type SMStatus uint8

const (
	SMOk SMStatus = iota
	SMRejected
)

// smPacket is the goccy/go-json-encoded SM wire envelope (section 3.1,
// section 6): "{pkt_type, sender_role, client_ep_id, server_ep_id,
// uniq_token, session_nums, routing_info}". JSON, not a hand-rolled
// binary format, since SM traffic is off the hot path and
// human-debuggability matters more there than wire compactness.
type smPacket struct {
	PktType      SMPktType `json:"pkt_type"`
	SenderRole   Role      `json:"sender_role"`
	ClientEPID   int       `json:"client_ep_id"`
	ServerEPID   int       `json:"server_ep_id"`
	UniqToken    string    `json:"uniq_token"`
	SessionNum   int       `json:"session_num"`
	RemoteSess   int       `json:"remote_session_num"`
	RoutingAddr  string    `json:"routing_addr"`
	RoutingRPCID int       `json:"routing_rpcid"`
	Status       SMStatus  `json:"status,omitempty"`
}

func marshalSM(p *smPacket) ([]byte, error)   { return json.Marshal(p) }
func unmarshalSM(b []byte) (*smPacket, error) {
	var p smPacket
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// pendingConnect tracks one in-flight client-side ConnectReq/DisconnectReq
// awaiting a response, retransmitted by poll every SMTimeout until its
// response arrives; there is no retry limit and no cancellation.
type pendingConnect struct {
	req        smPacket
	sentAt     time.Time
	remoteAddr *net.UDPAddr
	onDone     func(ok bool, remote smPacket, err error)
}

// tokenEntry is the server-side connect-request dedup record (section
// 4.2: "look up the token in a deduplication map; if known, re-send
// the cached response").
type tokenEntry struct {
	cachedResp smPacket
	sessionNum int
	createdAt  time.Time
	sessionGone bool
}

// smEngine is the session-management-over-UDP engine (section 4.2),
// grounded on rpc_session_mgmt.cc's handle_session_management mutex-
// guarded drain-and-dispatch-by-pkt_type loop. It owns its own UDP
// socket rather than literally multiplexing the datapath transport's
// socket, since Go's net.UDPConn gives no cheap way to demux by
// payload before a read completes; SM traffic is low-rate and off the
// hot path, so a second bound socket costs nothing that matters here.
type smEngine struct {
	conn   *net.UDPConn
	epID   int
	cfg    *Config
	rng    *PRNG

	mut      sync.Mutex
	pending  *Mutexmap[string, *pendingConnect]
	tokenMap *omap[string, *tokenEntry]

	onConnected    func(sessionNum int, remote RoutingInfo, remoteSessionNum int)
	onConnectFail  func(localToken string, err error)
	onDisconnected func(sessionNum int)

	Halt *idem.Halter
}

func newSMEngine(listenAddr string, epID int, cfg *Config) (*smEngine, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("erpcgo: sm engine bad addr %q: %w", listenAddr, err)
	}
	// Bind one port above the datapath listener; see type doc.
	addr.Port++
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("erpcgo: sm engine listen: %w", err)
	}
	var seed [32]byte
	copy(seed[:], []byte(fmt.Sprintf("erpcgo-sm-%d", epID)))
	e := &smEngine{
		conn:     conn,
		epID:     epID,
		cfg:      cfg,
		rng:      NewPRNG(seed),
		pending:  NewMutexmap[string, *pendingConnect](),
		tokenMap: newOmap[string, *tokenEntry](),
		Halt:     idem.NewHalterNamed(fmt.Sprintf("smEngine(epID=%d)", epID)),
	}
	conn.SetReadDeadline(time.Now())
	return e, nil
}

func (e *smEngine) close() error {
	e.Halt.ReqStop.Close()
	err := e.conn.Close()
	e.Halt.Done.Close()
	return err
}

// connect sends a ConnectReq and registers it for retransmit (section
// 4.2: "mark session ConnectInProgress, record the request in a
// pending set guarded by a retransmit timer").
func (e *smEngine) connect(sessionNum int, remote *net.UDPAddr, remoteRPCID int, onDone func(ok bool, remote smPacket, err error)) {
	token := e.rng.NewCallID()
	req := smPacket{
		PktType:      SMConnectReq,
		SenderRole:   RoleClient,
		ClientEPID:   e.epID,
		ServerEPID:   remoteRPCID,
		UniqToken:    token,
		SessionNum:   sessionNum,
	}
	e.pending.Set(token, &pendingConnect{req: req, sentAt: time.Now(), remoteAddr: remote, onDone: onDone})
	e.sendTo(&req, remote)
}

func (e *smEngine) disconnect(sessionNum int, remote *net.UDPAddr, remoteRPCID int, onDone func(ok bool, remote smPacket, err error)) {
	token := e.rng.NewCallID()
	req := smPacket{
		PktType:    SMDisconnectReq,
		SenderRole: RoleClient,
		ClientEPID: e.epID,
		ServerEPID: remoteRPCID,
		UniqToken:  token,
		SessionNum: sessionNum,
	}
	e.pending.Set(token, &pendingConnect{req: req, sentAt: time.Now(), remoteAddr: remote, onDone: onDone})
	e.sendTo(&req, remote)

	// Evict the entries this engine's own token map holds under
	// sessionNum (section 4.2 expansion). The server side's map is not
	// touched by a disconnect.
	e.evictTokensForSession(sessionNum)
}

func (e *smEngine) evictTokensForSession(sessionNum int) {
	e.mut.Lock()
	defer e.mut.Unlock()
	var stale []string
	for tok, ent := range e.tokenMap.all() {
		if ent.sessionNum == sessionNum {
			stale = append(stale, tok)
		}
	}
	for _, tok := range stale {
		e.tokenMap.delkey(tok)
	}
}

// sweepStaleTokens evicts connect-dedup entries older than the grace
// window, or whose session is marked gone (section 4.2 expansion). No
// code path in this package calls it.
func (e *smEngine) sweepStaleTokens(now time.Time, graceWindow time.Duration) {
	e.mut.Lock()
	defer e.mut.Unlock()
	var stale []string
	for tok, ent := range e.tokenMap.all() {
		if ent.sessionGone || now.Sub(ent.createdAt) > graceWindow {
			stale = append(stale, tok)
		}
	}
	for _, tok := range stale {
		e.tokenMap.delkey(tok)
	}
}

func (e *smEngine) sendTo(p *smPacket, addr *net.UDPAddr) {
	b, err := marshalSM(p)
	panicOn(err)
	e.conn.WriteToUDP(b, addr)
}

// poll drains pending datagrams and retransmits timed-out pending
// requests (section 4.7 step 5: "process pending SM packets"). Must be
// called once per dispatcher tick; never blocks (a zero read deadline
// is refreshed on every call).
func (e *smEngine) poll(now time.Time) {
	buf := make([]byte, 4096)
	for {
		e.conn.SetReadDeadline(now)
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		p, err := unmarshalSM(buf[:n])
		if err != nil {
			continue // corrupt SM datagram, ignored like a dropped packet
		}
		e.handle(p, from)
	}

	e.pending.ReadOnlyView(func(m map[string]*pendingConnect) {
		for _, pc := range m {
			if now.Sub(pc.sentAt) > e.cfg.SMTimeout {
				pc.sentAt = now
				e.sendTo(&pc.req, pc.remoteAddr)
			}
		}
	})
}

func (e *smEngine) handle(p *smPacket, from *net.UDPAddr) {
	switch p.PktType {
	case SMConnectReq:
		e.handleConnectReq(p, from)
	case SMConnectResp:
		e.handleConnectResp(p)
	case SMDisconnectReq:
		e.handleDisconnectReq(p, from)
	case SMDisconnectResp:
		e.handleDisconnectResp(p)
	}
}

func (e *smEngine) handleConnectReq(p *smPacket, from *net.UDPAddr) {
	e.mut.Lock()
	if ent, ok := e.tokenMap.cachedLookup(p.UniqToken); ok {
		e.mut.Unlock()
		e.sendTo(&ent.cachedResp, from)
		return
	}
	e.mut.Unlock()

	resp := smPacket{
		PktType:    SMConnectResp,
		SenderRole: RoleServer,
		ClientEPID: p.ClientEPID,
		ServerEPID: e.epID,
		UniqToken:  p.UniqToken,
		SessionNum: p.SessionNum,
		Status:     SMOk,
	}
	e.mut.Lock()
	e.tokenMap.set(p.UniqToken, &tokenEntry{cachedResp: resp, sessionNum: p.SessionNum, createdAt: time.Now()})
	e.mut.Unlock()

	e.sendTo(&resp, from)
	if e.onConnected != nil {
		e.onConnected(p.SessionNum, RoutingInfo{Addr: from, RemoteRPCID: p.ClientEPID}, p.SessionNum)
	}
}

func (e *smEngine) handleConnectResp(p *smPacket) {
	pc, _, ok := e.pending.GetValNDel(p.UniqToken)
	if !ok {
		return
	}
	ok2 := p.Status == SMOk
	pc.onDone(ok2, *p, nil)
}

func (e *smEngine) handleDisconnectReq(p *smPacket, from *net.UDPAddr) {
	resp := smPacket{
		PktType:    SMDisconnectResp,
		SenderRole: RoleServer,
		ClientEPID: p.ClientEPID,
		ServerEPID: e.epID,
		UniqToken:  p.UniqToken,
		SessionNum: p.SessionNum,
		Status:     SMOk,
	}
	e.sendTo(&resp, from)
	if e.onDisconnected != nil {
		e.onDisconnected(p.SessionNum)
	}
}

func (e *smEngine) handleDisconnectResp(p *smPacket) {
	pc, _, ok := e.pending.GetValNDel(p.UniqToken)
	if !ok {
		return
	}
	pc.onDone(p.Status == SMOk, *p, nil)
}

// cachedLookup is a point lookup, equivalent to omap.go's get2; it
// uses the same FindGE_isEqual the other omap methods use, so it stays
// O(log n) rather than scanning all().
func (m *omap[K, V]) cachedLookup(key K) (V, bool) {
	var zero V
	if isNil(key) {
		return zero, false
	}
	query := &okv[K, V]{key: key}
	it, found := m.tree.FindGE_isEqual(query)
	if !found {
		return zero, false
	}
	kv := it.Item().(*okv[K, V])
	return kv.val, true
}
