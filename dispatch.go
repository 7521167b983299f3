package erpcgo

import "time"

// RunEventLoop drives the dispatcher for up to timeout, returning once
// it elapses (SPEC_FULL.md section 4.7/6: "the loop returns after a
// deadline in milliseconds"; here a wall-clock time.Duration, section
// 5's note on substituting durations for cycle counts). In-flight RPCs
// persist across calls. Must only ever be called from the single
// goroutine designated as this endpoint's dispatcher.
func (ep *Endpoint) RunEventLoop(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		ep.RunEventLoopOnce()
		if time.Now().After(deadline) {
			return
		}
	}
}

// RunEventLoopOnce runs exactly one iteration of the seven-step
// dispatcher loop (section 4.7): receive+classify, stall queue,
// wheel advance, cross-thread drain, SM poll, loss scan, TX flush.
func (ep *Endpoint) RunEventLoopOnce() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.runEventLoopOnceLocked(time.Now())
}

func (ep *Endpoint) runEventLoopOnceLocked(now time.Time) {
	// 1. poll receive burst, classify each packet.
	pkts, _ := ep.transport.RxBurst()
	for _, pkt := range pkts {
		ep.classifyPacket(pkt)
	}

	// 2. process stall queue: retry any session backlog now that
	// credits may have freed up since the last tick.
	for _, sess := range ep.sessions {
		if sess != nil && sess.Role == RoleClient {
			ep.drainStallQueue(sess)
		}
	}

	// 3. advance the pacing wheel.
	ep.advanceWheel(now)

	// 4. drain cross-thread handoff queues.
	if ep.bg != nil {
		for _, item := range ep.bg.drain() {
			ep.handleBGItem(item)
		}
	}

	// 5. process pending SM packets.
	ep.sm.poll(now)

	// 6. loss scan, gated by LossScanInterval.
	if now.Sub(ep.lastLossScan) >= ep.cfg.LossScanInterval {
		ep.lossScan(now)
		ep.lastLossScan = now
	}

	// 7. flush whatever accumulated in the TX batch this tick.
	ep.flushTXBatch()
}

// classifyPacket decodes one received datagram's header and routes it
// to the matching protocol handler (section 4.7 step 1).
func (ep *Endpoint) classifyPacket(pkt RxPacket) {
	if pkt.Msg == nil || len(pkt.Msg.Backing) < pktHeaderSize {
		ep.stats.incDropped()
		return
	}
	h, err := DecodeHeader(pkt.Msg.Header(0))
	if err != nil {
		ep.stats.incDropped()
		return
	}
	if err := checkMagic(&h); err != nil {
		ep.stats.incDropped()
		return
	}
	switch h.PktType {
	case PktReq:
		ep.handleRequestPacket(pkt, h)
	case PktResp:
		ep.handleResponsePacket(pkt, h)
	case PktExplicitCR:
		ep.handleExplicitCR(pkt, h)
	case PktRFR:
		ep.handleRFRPacket(pkt, h)
	default:
		ep.stats.incDropped()
	}
}

// advanceWheel pops every wheel entry whose virtual transmit time has
// arrived and pushes it to the TX batch, clearing its in_wheel bit
// (section 4.3: "ready entries are dequeued and pushed to the TX
// batch, clearing the in-wheel bit").
func (ep *Endpoint) advanceWheel(now time.Time) {
	ep.wheel.drainDue(now, func(e wheelEntry) {
		sessionNum := e.globalSlotID / ep.active.k
		sess := ep.sessionOrNil(sessionNum)
		if sess == nil {
			return
		}
		slot := ep.active.slot(e.globalSlotID)
		if slot == nil {
			return
		}
		idx := int(e.pktNum) % sess.K
		if idx < len(slot.client.inWheel) {
			slot.client.inWheel[idx] = false
			slot.client.wheelItems[idx] = nil
		}
		if slot.client.wheelCount > 0 {
			slot.client.wheelCount--
		}
		msg := slot.client.reqMsgbuf
		if msg == nil {
			return
		}
		ep.txBatch = append(ep.txBatch, TxItem{
			Routing: sess.remoteRouting,
			Msg:     msg,
			PktIdx:  int(e.pktNum),
			TxTime:  &slot.client.txTS[idx],
		})
		ep.flushTXBatchIfFull()
	})
}

// handleBGItem applies one cross-thread work item to dispatcher-owned
// state (section 4.8). Called only from runEventLoopOnceLocked, which
// already holds ep.mu, so it goes through the *Locked variants rather
// than the public EnqueueResponse/ReleaseResponse/EnqueueRequest
// wrappers.
func (ep *Endpoint) handleBGItem(item bgWorkItem) {
	switch item.kind {
	case bgEnqueueRequest:
		sess := ep.sessionOrNil(item.sessionNum)
		if sess == nil || sess.Role != RoleClient || sess.State != Connected {
			return
		}
		ep.enqueueRequestLocked(sess, item.reqType, item.reqBuf, item.respBuf, item.cont, item.tag, item.bgWorker)
	case bgEnqueueResponse:
		if item.reqHandle != nil {
			ep.enqueueResponseLocked(item.reqHandle)
		}
	case bgReleaseResponse:
		if item.respHandle != nil {
			ep.releaseResponseLocked(item.respHandle)
		}
	}
}
