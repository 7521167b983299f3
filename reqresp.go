package erpcgo

import "time"

// ReqHandle is the opaque handle a server-side request handler
// receives (section 6: "EnqueueResponse(handle *ReqHandle)"). Handlers
// running on a background worker (section 4.8) touch only this handle,
// never the underlying Session/SSlot directly.
type ReqHandle struct {
	ep         *Endpoint
	sessionNum int
	slotIdx    int
	curReqNum  uint64

	ReqType uint8
	ReqBuf  *MsgBuffer

	// RespBuf is set by the handler, to a buffer from AllocMsgBuffer,
	// before it calls EnqueueResponse. There is no preallocated
	// per-sslot response buffer; respPreallocated is never set.
	RespBuf         *MsgBuffer
	respPreallocated bool
}

// RespHandle is the opaque handle a client continuation receives
// (section 6: "ReleaseResponse(handle *RespHandle)").
type RespHandle struct {
	SessionNum int
	RespBuf    *MsgBuffer
	Err        error

	ep      *Endpoint
	slotIdx int
}

// inOrderResponse implements the spec's in_order_client helper
// (section 4.5) for the response phase. Response packets run in their
// own 0-indexed pkt_num space, admitted as respTx opens a window via
// sendPendingRFRs: pkt 0 is always admissible once a request has been
// launched, later packets only once their RFR has gone out.
func inOrderResponse(s *Session, slot *SSlot, h *PktHeader) bool {
	if h.ReqNum != slot.curReqNum {
		return false
	}
	if int(h.PktNum) != slot.client.respRx {
		return false
	}
	if int(h.PktNum) >= slot.client.respTx {
		return false
	}
	if s.cc != nil {
		idx := int(h.PktNum) % s.K
		if idx < len(slot.client.inWheel) && slot.client.inWheel[idx] {
			return false
		}
	}
	return true
}

// enqueueRequestLocked implements EnqueueRequest's core (section 4.4).
// Must be called with ep.mu held.
func (ep *Endpoint) enqueueRequestLocked(sess *Session, reqType uint8, reqBuf, respBuf *MsgBuffer, cont ContFunc, tag any, bgWorker int) error {
	idx := sess.popFreeSlot()
	if idx < 0 {
		sess.backlog.PushBack(&backlogEntry{reqType: reqType, reqBuf: reqBuf, respBuf: respBuf, cont: cont, tag: tag, bgWorker: bgWorker})
		sess.backlogGauge++
		return nil
	}
	ep.launchRequest(sess, idx, reqType, reqBuf, respBuf, cont, tag, bgWorker)
	return nil
}

// launchRequest assigns a fresh cur_req_num, threads the sslot into
// the active-RPC list, writes packet headers, and kicks transmission
// (section 4.4).
func (ep *Endpoint) launchRequest(sess *Session, idx int, reqType uint8, reqBuf, respBuf *MsgBuffer, cont ContFunc, tag any, bgWorker int) {
	slot := &sess.sslots[idx]
	slot.curReqNum += uint64(sess.K)
	slot.resetForNewRequest(sess.K)
	slot.client.reqMsgbuf = reqBuf
	slot.client.respMsgbuf = respBuf
	slot.client.cont = cont
	slot.client.tag = tag
	slot.client.bgWorker = bgWorker
	slot.client.numReqPkts = reqBuf.NumPkts
	slot.client.numRespPkts = 0
	// Response packet 0 always rides on the request that provoked it;
	// only packets beyond it need an RFR to open their window (section
	// 4.5).
	slot.client.respTx = 1

	globalID := ep.active.globalID(sess.SessionNum, idx)
	ep.active.pushBack(globalID)

	for i := 0; i < reqBuf.NumPkts; i++ {
		h := PktHeader{
			ReqType:        reqType,
			Magic:          pktMagic,
			MsgSize:        uint32(reqBuf.DataSize),
			DestSessionNum: uint16(sess.destSessionNum()),
			PktType:        PktReq,
			PktNum:         uint32(i),
			ReqNum:         slot.curReqNum,
		}
		h.Encode(reqBuf.Header(i))
	}
	ep.kickTransmit(sess, slot, reqBuf, 0, reqBuf.NumPkts, true)
}

// kickTransmit schedules packets [from, to) of msg for transmission,
// either straight into the TX batch or through the wheel (section
// 4.3: "Wheel bypass is permitted when pacing is disabled, or when the
// session is currently uncongested... and no prior packet of this
// sslot is presently in the wheel. Otherwise the wheel is consulted.").
// consumeCredits charges one session credit per packet dispatched
// (section 4.3: "A new request consumes one credit per packet as it
// is dispatched"), stopping the window short of `to` once credits run
// out; resumeCreditedTransmit continues it later. Retransmission of
// already-credited packets (lossrecovery.go) passes false.
func (ep *Endpoint) kickTransmit(sess *Session, slot *SSlot, msg *MsgBuffer, from, to int, consumeCredits bool) {
	now := time.Now()
	bypass := ep.faults.HardWheelBypass || !ep.cfg.PacingEnabled || (sess.cc != nil && sess.cc.uncongested() && slot.client.wheelCount == 0)

	for i := from; i < to; i++ {
		if consumeCredits {
			if sess.credits <= 0 {
				break
			}
			sess.credits--
			slot.client.creditsOut++
		}
		if bypass {
			ep.txBatch = append(ep.txBatch, TxItem{
				Routing: sess.remoteRouting,
				Msg:     msg,
				PktIdx:  i,
				TxTime:  &slot.client.txTS[i%sess.K],
			})
			slot.client.numTx++
			continue
		}
		when := sess.cc.targetTxTime(now, len(msg.Payload(i)))
		item := ep.wheel.insert(ep.active.globalID(sess.SessionNum, slot.index), uint32(i), when)
		idx := i % sess.K
		if idx < len(slot.client.inWheel) {
			slot.client.inWheel[idx] = true
			slot.client.wheelItems[idx] = item
		}
		slot.client.wheelCount++
		slot.client.numTx++
	}
	ep.flushTXBatchIfFull()
}

// flushTXBatchIfFull submits the TX batch once it reaches kPostlist
// entries (section 4.3: "TX batching... on overflow... the batch is
// submitted to the transport via a single burst call").
func (ep *Endpoint) flushTXBatchIfFull() {
	if len(ep.txBatch) >= kPostlist {
		ep.flushTXBatch()
	}
}

func (ep *Endpoint) flushTXBatch() {
	if len(ep.txBatch) == 0 {
		return
	}
	ep.txBurst(ep.txBatch)
	ep.txBatch = ep.txBatch[:0]
}

// txBurst is the sole path every outbound packet funnels through,
// giving Faults.PktDropProb (faults.go) one choke point to roll its
// drop decision at regardless of which TxItems got there via the
// batch, the wheel, or a direct single-packet CR/RFR send.
func (ep *Endpoint) txBurst(items []TxItem) error {
	if ep.faults.PktDropProb <= 0 {
		return ep.transport.TxBurst(items)
	}
	kept := items[:0:0]
	for _, it := range items {
		if ep.shouldDropTx() {
			// Stamp the send time as if it went out, so the RTO scan
			// still sees a dropped packet and retransmits it.
			if it.TxTime != nil {
				*it.TxTime = time.Now()
			}
			continue
		}
		kept = append(kept, it)
	}
	if len(kept) == 0 {
		return nil
	}
	return ep.transport.TxBurst(kept)
}

// handleRequestPacket implements the server-side single/multi-packet
// request path (section 4.4).
func (ep *Endpoint) handleRequestPacket(pkt RxPacket, h PktHeader) {
	sess := ep.sessions[int(h.DestSessionNum)]
	if sess == nil || sess.Role != RoleServer {
		ep.stats.incDropped()
		return
	}
	slotIdx := int(h.ReqNum) % sess.K
	slot := &sess.sslots[slotIdx]

	if h.ReqNum == slot.curReqNum && (slot.server.reqMsgbuf != nil || slot.server.respMsgbuf != nil) {
		// Same generation already underway or completed on this slot.
		if h.PktNum == uint32(slot.server.numRxPkts) && !slot.server.handlerRunning {
			// The next expected assembly packet: fall through below,
			// it is not a duplicate even though reqMsgbuf is non-nil.
		} else if slot.server.handlerRunning {
			return // handler already dispatched for this generation, drop the retransmit
		} else if slot.server.respMsgbuf != nil {
			ep.resendResponse(sess, slot)
			return
		} else {
			return
		}
	} else {
		if h.ReqNum != slot.curReqNum+uint64(sess.K) || h.PktNum != 0 {
			// not packet 0 of the next expected generation on this slot;
			// ignore (a later packet that arrives first is retransmitted).
			return
		}
		slot.curReqNum = h.ReqNum
		slot.server.reqType = h.ReqType
		if slot.server.respMsgbuf != nil && slot.server.respMsgbuf.Owned {
			// The prior generation's cached response (kept around only so a
			// late RFR/duplicate could still be answered) is moot now that
			// a new request has claimed this sslot.
			ep.alloc.free(slot.server.respMsgbuf)
		}
		slot.server.respMsgbuf = nil
		slot.server.handlerRunning = false
		slot.server.numRxPkts = 0
	}

	if h.PktNum == 0 && numPktsOf(int(h.MsgSize), ep.cfg.MaxDataPerPkt) == 1 {
		// Single-packet request: zero-copy, fake MsgBuffer over the
		// ring entry (section 4.4).
		slot.server.reqMsgbuf = pkt.Msg
		slot.server.numReqPkts = 1
		slot.server.numRxPkts = 1
		slot.server.handlerRunning = true
		ep.dispatchHandler(sess, slot)
		return
	}

	if h.PktNum == 0 {
		slot.server.reqMsgbuf = ep.alloc.alloc(int(h.MsgSize), pktMagic)
		if !slot.server.reqMsgbuf.Valid() {
			ep.stats.incAllocFail()
			return
		}
		slot.server.numReqPkts = numPktsOf(int(h.MsgSize), ep.cfg.MaxDataPerPkt)
	}
	if slot.server.reqMsgbuf == nil || !slot.server.reqMsgbuf.Valid() {
		return
	}
	copy(slot.server.reqMsgbuf.Payload(int(h.PktNum)), pkt.Msg.Payload(0))
	slot.server.numRxPkts++

	if h.PktNum >= 1 {
		// Packet 0's credit returns implicitly with response packet 0
		// (section 4.4); an explicit CR is needed only for the rest,
		// so the client can pipeline past a K-credit window.
		ep.sendExplicitCR(sess, slotIdx, h)
	}

	if slot.server.numRxPkts == slot.server.numReqPkts {
		slot.server.handlerRunning = true
		ep.dispatchHandler(sess, slot)
	}
}

// sendExplicitCR emits a CR packet re-opening one client credit
// (section 4.4: "emit an explicit CR for the triggering packet").
func (ep *Endpoint) sendExplicitCR(sess *Session, slotIdx int, h PktHeader) {
	cr := PktHeader{
		Magic:          pktMagic,
		DestSessionNum: uint16(sess.destSessionNum()),
		PktType:        PktExplicitCR,
		PktNum:         h.PktNum,
		ReqNum:         h.ReqNum,
	}
	buf := make([]byte, pktHeaderSize)
	cr.Encode(buf)
	m := &MsgBuffer{Backing: buf, MaxDataPerPkt: 0, NumPkts: 1}
	ep.txBurst([]TxItem{{Routing: sess.remoteRouting, Msg: m, PktIdx: 0}})
}

// dispatchHandler runs the server request handler, foreground or on a
// background worker per the sslot's target worker id.
func (ep *Endpoint) dispatchHandler(sess *Session, slot *SSlot) {
	handle := &ReqHandle{
		ep:         ep,
		sessionNum: sess.SessionNum,
		slotIdx:    slot.index,
		curReqNum:  slot.curReqNum,
		ReqType:    slot.server.reqType,
		ReqBuf:     slot.server.reqMsgbuf,
	}
	fn := ep.reqHandlers[slot.server.reqType]
	if fn == nil {
		slot.server.handlerRunning = false
		return
	}
	ep.workers.submit(func() { fn(handle) })
}

// resendResponse retransmits a cached response for a duplicate request
// (section 4.4).
func (ep *Endpoint) resendResponse(sess *Session, slot *SSlot) {
	if slot.server.respMsgbuf == nil {
		return
	}
	for i := 0; i < slot.server.respMsgbuf.NumPkts; i++ {
		ep.txBatch = append(ep.txBatch, TxItem{Routing: sess.remoteRouting, Msg: slot.server.respMsgbuf, PktIdx: i})
	}
	ep.flushTXBatchIfFull()
}

// handleResponsePacket implements the client-side response reception
// path (section 4.5): it copies each in-order packet's payload into the
// client's response MsgBuffer, and handles RFR emission and credit
// accounting.
func (ep *Endpoint) handleResponsePacket(pkt RxPacket, h PktHeader) {
	sess := ep.sessions[int(h.DestSessionNum)]
	if sess == nil || sess.Role != RoleClient {
		ep.stats.incDropped()
		return
	}
	slotIdx := int(h.ReqNum) % sess.K
	slot := &sess.sslots[slotIdx]
	if !inOrderResponse(sess, slot, &h) {
		ep.stats.incDropped()
		return
	}
	if resp := slot.client.respMsgbuf; resp.Valid() && int(h.PktNum) < resp.NumPkts {
		copy(resp.Payload(int(h.PktNum)), pkt.Msg.Payload(0))
	}

	if h.PktNum == 0 {
		slot.client.numRespPkts = numPktsOf(int(h.MsgSize), ep.cfg.MaxDataPerPkt)
		if sess.cc != nil {
			rtt := time.Since(slot.client.txTS[0])
			sess.cc.onRTTSample(rtt, time.Now())
			ep.stats.recordRTT(rtt)
		}
		sess.credits++ // response packet 0 implicitly returns request packet 0's credit.
		slot.client.creditsOut--
		ep.sendPendingRFRs(sess, slotIdx, slot, h.ReqNum)
	} else {
		sess.credits++ // response packet n>=1 returns one credit.
		slot.client.creditsOut--
	}
	slot.client.respRx++

	ep.resumeCreditedTransmit(sess)
	ep.drainStallQueue(sess)

	if slot.client.respRx == slot.client.numRespPkts {
		ep.completeClientRequest(sess, slot, nil)
	}
}

// sendPendingRFRs sends as many of a response's outstanding RFRs as
// there are credits for, advancing respTx so inOrderResponse admits
// the corresponding response packets (section 4.5: "the arriving
// packet 0 ... authorizes emission of RFR packets ... one per
// remaining response packet").
func (ep *Endpoint) sendPendingRFRs(sess *Session, slotIdx int, slot *SSlot, reqNum uint64) {
	for slot.client.respTx < slot.client.numRespPkts && sess.credits > 0 {
		sess.credits--
		slot.client.creditsOut++
		ep.sendRFR(sess, slotIdx, reqNum, slot.client.respTx)
		slot.client.respTx++
	}
}

func (ep *Endpoint) sendRFR(sess *Session, slotIdx int, reqNum uint64, pktNum int) {
	rfr := PktHeader{
		Magic:          pktMagic,
		DestSessionNum: uint16(sess.destSessionNum()),
		PktType:        PktRFR,
		PktNum:         uint32(pktNum),
		ReqNum:         reqNum,
	}
	buf := make([]byte, pktHeaderSize)
	rfr.Encode(buf)
	m := &MsgBuffer{Backing: buf, NumPkts: 1}
	ep.txBurst([]TxItem{{Routing: sess.remoteRouting, Msg: m, PktIdx: 0}})
}

// resumeCreditedTransmit re-kicks every sslot in the session with
// request packets still waiting on a credit, or RFRs still waiting to
// go out, now that a credit may have freed up (section 4.3's stall
// queue, realized per-session since credits are per-session).
func (ep *Endpoint) resumeCreditedTransmit(sess *Session) {
	for i := range sess.sslots {
		if sess.credits <= 0 {
			return
		}
		slot := &sess.sslots[i]
		if slot.client.reqMsgbuf != nil && int(slot.client.numTx) < slot.client.numReqPkts {
			ep.kickTransmit(sess, slot, slot.client.reqMsgbuf, int(slot.client.numTx), slot.client.numReqPkts, true)
		}
		if slot.client.respTx > 0 && slot.client.respTx < slot.client.numRespPkts {
			ep.sendPendingRFRs(sess, i, slot, slot.curReqNum)
		}
	}
}

// handleExplicitCR credits the sending session when the server returns
// one (section 4.4/4.5): the packet itself carries no payload.
func (ep *Endpoint) handleExplicitCR(pkt RxPacket, h PktHeader) {
	sess := ep.sessions[int(h.DestSessionNum)]
	if sess == nil || sess.Role != RoleClient {
		return
	}
	slotIdx := int(h.ReqNum) % sess.K
	slot := &sess.sslots[slotIdx]
	if h.ReqNum != slot.curReqNum {
		return
	}
	sess.credits++
	slot.client.creditsOut--
	ep.resumeCreditedTransmit(sess)
	ep.drainStallQueue(sess)
}

// completeClientRequest finishes the round trip: releases the sslot,
// invokes the continuation, drains one backlog entry (section 4.5).
func (ep *Endpoint) completeClientRequest(sess *Session, slot *SSlot, err error) {
	globalID := ep.active.globalID(sess.SessionNum, slot.index)
	ep.active.remove(globalID)

	cont := slot.client.cont
	tag := slot.client.tag
	respBuf := slot.client.respMsgbuf

	sess.pushFreeSlot(slot.index)

	handle := &RespHandle{ep: ep, SessionNum: sess.SessionNum, slotIdx: slot.index, RespBuf: respBuf, Err: err}
	if cont != nil {
		// Always handed off via submit, never called directly: cont is
		// documented to call back into ReleaseResponse/EnqueueRequest,
		// which reacquire Endpoint.mu, and this runs from inside a
		// RunEventLoopOnce call that still holds it.
		ep.workers.submit(func() { cont(handle, tag, err) })
	}
	ep.drainBacklog(sess)
}

// drainBacklog pops one backlog entry onto the now-free sslot (section
// 4.5: "drain one entry from the session's enqueue backlog").
func (ep *Endpoint) drainBacklog(sess *Session) {
	el := sess.backlog.Front()
	if el == nil {
		return
	}
	sess.backlog.Remove(el)
	sess.backlogGauge--
	be := el.Value.(*backlogEntry)
	idx := sess.popFreeSlot()
	if idx < 0 {
		// shouldn't happen immediately after a release, but guard.
		sess.backlog.PushFront(be)
		sess.backlogGauge++
		return
	}
	ep.launchRequest(sess, idx, be.reqType, be.reqBuf, be.respBuf, be.cont, be.tag, be.bgWorker)
}

// drainStallQueue retries backlog/stalled transmissions now that
// credits may be available (section 4.3: "A request that lacks
// credits is appended to a global stall queue scanned once per event
// loop iteration"), realized per-session since credits are per-session.
func (ep *Endpoint) drainStallQueue(sess *Session) {
	if sess.credits > 0 && sess.backlog.Len() > 0 {
		ep.drainBacklog(sess)
	}
}

// handleRFRPacket implements the server side of RFR (section 4.5): the
// client's request-for-response names which response packet it wants
// next; the server looks it up on the sslot's cached response buffer
// and retransmits just that packet.
func (ep *Endpoint) handleRFRPacket(pkt RxPacket, h PktHeader) {
	sess := ep.sessions[int(h.DestSessionNum)]
	if sess == nil || sess.Role != RoleServer {
		return
	}
	slotIdx := int(h.ReqNum) % sess.K
	slot := &sess.sslots[slotIdx]
	if h.ReqNum != slot.curReqNum || slot.server.respMsgbuf == nil {
		return
	}
	respPktIdx := int(h.PktNum)
	if respPktIdx < 0 || respPktIdx >= slot.server.respMsgbuf.NumPkts {
		return
	}
	ep.txBatch = append(ep.txBatch, TxItem{Routing: sess.remoteRouting, Msg: slot.server.respMsgbuf, PktIdx: respPktIdx})
	ep.flushTXBatchIfFull()
}

// EnqueueResponse implements the public API (section 6):
// "bury the server request MsgBuffer; install handler-supplied
// response as tx_msgbuf; kick transmission" (section 4.5). Handlers
// running on a background worker call this directly; the dispatcher
// itself routes the equivalent bgEnqueueResponse queue item through
// enqueueResponseLocked while already holding ep.mu.
func (ep *Endpoint) EnqueueResponse(handle *ReqHandle) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.enqueueResponseLocked(handle)
}

func (ep *Endpoint) enqueueResponseLocked(handle *ReqHandle) {
	sess := ep.sessions[handle.sessionNum]
	if sess == nil {
		return
	}
	slot := &sess.sslots[handle.slotIdx]
	if slot.server.reqMsgbuf != nil && slot.server.reqMsgbuf.Owned {
		ep.alloc.free(slot.server.reqMsgbuf)
	}
	slot.server.reqMsgbuf = nil
	slot.server.respMsgbuf = handle.RespBuf
	slot.server.respPreallocated = handle.respPreallocated
	slot.server.handlerRunning = false

	for i := 0; i < handle.RespBuf.NumPkts; i++ {
		h := PktHeader{
			Magic:          pktMagic,
			MsgSize:        uint32(handle.RespBuf.DataSize),
			DestSessionNum: uint16(sess.destSessionNum()),
			PktType:        PktResp,
			PktNum:         uint32(i),
			ReqNum:         handle.curReqNum,
		}
		h.Encode(handle.RespBuf.Header(i))
	}
	ep.txBatch = append(ep.txBatch, TxItem{Routing: sess.remoteRouting, Msg: handle.RespBuf, PktIdx: 0})
	ep.flushTXBatchIfFull()
}

// ReleaseResponse implements the public API: the background
// continuation's signal that it is done with the RespHandle's buffers
// (section 4.8).
func (ep *Endpoint) ReleaseResponse(handle *RespHandle) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.releaseResponseLocked(handle)
}

func (ep *Endpoint) releaseResponseLocked(handle *RespHandle) {
	if handle.RespBuf != nil && handle.RespBuf.Owned {
		ep.alloc.free(handle.RespBuf)
	}
}
