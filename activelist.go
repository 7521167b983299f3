package erpcgo

// activeRPCList is the sentinel-based intrusive doubly-linked list of
// client sslots whose request has been accepted but whose
// continuation has not yet fired (SPEC_FULL.md section 3 and section
// 9 design note). Ownership of the SSlot values stays in each
// session's sslots array; this list is purely an index structure over
// them, realized with a global slot id = sessionNum*K + slotIndex so
// two sentinel ids (always negative, never a valid global id) can
// stand in for "off the front" and "off the back" without a
// nullability check on every link.
const (
	headSentinel = -1
	tailSentinel = -2
)

type activeRPCList struct {
	k      int
	lookup func(sessionNum int) *Session

	headNext int // what head sentinel's "next" points to
	tailPrev int // what tail sentinel's "prev" points to
}

func newActiveRPCList(k int, lookup func(int) *Session) *activeRPCList {
	return &activeRPCList{
		k:        k,
		lookup:   lookup,
		headNext: tailSentinel,
		tailPrev: headSentinel,
	}
}

func (l *activeRPCList) globalID(sessionNum, slotIdx int) int {
	return sessionNum*l.k + slotIdx
}

func (l *activeRPCList) slot(id int) *SSlot {
	if id < 0 {
		return nil
	}
	sess := l.lookup(id / l.k)
	if sess == nil {
		return nil
	}
	return &sess.sslots[id%l.k]
}

func (l *activeRPCList) getNext(id int) int {
	if id == headSentinel {
		return l.headNext
	}
	return l.slot(id).next
}

func (l *activeRPCList) setNext(id, val int) {
	if id == headSentinel {
		l.headNext = val
		return
	}
	l.slot(id).next = val
}

func (l *activeRPCList) getPrev(id int) int {
	if id == tailSentinel {
		return l.tailPrev
	}
	return l.slot(id).prev
}

func (l *activeRPCList) setPrev(id, val int) {
	if id == tailSentinel {
		l.tailPrev = val
		return
	}
	l.slot(id).prev = val
}

// pushBack threads a sslot into the active list (section 4.4: "thread
// the sslot into the active-RPC list").
func (l *activeRPCList) pushBack(id int) {
	s := l.slot(id)
	if s.inActiveList {
		return
	}
	oldLast := l.tailPrev
	l.setNext(oldLast, id)
	s.prev = oldLast
	s.next = tailSentinel
	l.tailPrev = id
	s.inActiveList = true
}

// remove unlinks a sslot from the active list (section 4.5: "remove
// from active-RPC list", invoked when the continuation fires).
func (l *activeRPCList) remove(id int) {
	s := l.slot(id)
	if s == nil || !s.inActiveList {
		return
	}
	p, n := s.prev, s.next
	l.setNext(p, n)
	l.setPrev(n, p)
	s.prev, s.next = -1, -1
	s.inActiveList = false
}

func (l *activeRPCList) isEmpty() bool {
	return l.headNext == tailSentinel
}

// forEach visits every active sslot id, front to back. Safe against
// the visitor removing the current entry (e.g. on rollback/reset),
// since the next pointer is captured before the callback runs.
func (l *activeRPCList) forEach(fn func(id int)) {
	cur := l.headNext
	for cur != tailSentinel {
		next := l.slot(cur).next
		fn(cur)
		cur = next
	}
}
