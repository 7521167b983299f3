package erpcgo

import "time"

// lossScan implements the RTO scan over the active-RPC list (section
// 4.6): any sslot whose last transmit is older than Config.RTOTimeout
// is rolled back and retransmitted; a session accumulating too many
// retransmits is declared peer-dead and reset (section 7 kind 6).
// Called only from runEventLoopOnceLocked, already holding ep.mu.
func (ep *Endpoint) lossScan(now time.Time) {
	toReset := make(map[*Session]bool)

	ep.active.forEach(func(id int) {
		sess := ep.sessionOrNil(id / ep.active.k)
		if sess == nil {
			return
		}
		slot := ep.active.slot(id)
		if slot == nil {
			return
		}
		last := slot.lastTxTime(sess.K)
		if last.IsZero() || now.Sub(last) <= ep.cfg.RTOTimeout {
			return
		}
		ep.rollbackAndRetransmit(sess, slot)
		sess.numReTx++
		if ep.cfg.MaxRetriesBeforeReset > 0 && sess.numReTx > ep.cfg.MaxRetriesBeforeReset {
			toReset[sess] = true
		}
	})

	for sess := range toReset {
		ep.resetSession(sess)
	}
}

// rollbackAndRetransmit implements section 4.6's rollback: decrement
// num_tx to num_rx, clear in_wheel bits (and the underlying wheel
// entries, so a stale wheel fire doesn't resend a packet twice) for
// the rolled-back range, then re-kick transmission of the still-
// unacknowledged window.
func (ep *Endpoint) rollbackAndRetransmit(sess *Session, slot *SSlot) {
	old := slot.client.numTx
	for i := slot.client.numRx; i < old; i++ {
		idx := int(i) % sess.K
		if idx >= len(slot.client.inWheel) {
			continue
		}
		if slot.client.inWheel[idx] {
			if slot.client.wheelItems[idx] != nil {
				ep.wheel.remove(slot.client.wheelItems[idx])
				slot.client.wheelItems[idx] = nil
			}
			slot.client.inWheel[idx] = false
			if slot.client.wheelCount > 0 {
				slot.client.wheelCount--
			}
		}
	}
	slot.client.numTx = slot.client.numRx

	msg := slot.client.reqMsgbuf
	if msg == nil {
		return
	}
	// Only resend the window already transmitted before rollback
	// (int(old)); packets beyond it were never sent and have consumed
	// no credit, so they're left to the normal credited dispatch path
	// instead of being retransmitted here.
	ep.kickTransmit(sess, slot, msg, int(slot.client.numRx), int(old), false)
}
