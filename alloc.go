package erpcgo

import "sync"

// slabAllocator is the hugepage-allocator stand-in (SPEC_FULL.md
// section 4.1). Go has no user hugepage API, so slabs come from a
// sync.Pool of byte slices sized to whole packet-slot counts; the
// accounting (outstanding count vs MaxOutstandingMsgBufs) is what
// plays the role of "memory exhausted".
//
// Multi-threaded access is serialized by mut, acquired only when
// threaded is true (section 4.1: "single-threaded endpoints skip the
// mutex path on a cached boolean") — threaded becomes true the moment
// the endpoint's background worker count is nonzero.
type slabAllocator struct {
	mut      sync.Mutex
	threaded bool

	maxDataPerPkt int
	budget        int
	outstanding   int

	pool sync.Pool
}

func newSlabAllocator(maxDataPerPkt, budget int, threaded bool) *slabAllocator {
	a := &slabAllocator{
		maxDataPerPkt: maxDataPerPkt,
		budget:        budget,
		threaded:      threaded,
	}
	a.pool.New = func() interface{} {
		return make([]byte, 0)
	}
	return a
}

// alloc returns a MsgBuffer whose NumPkts packet headers have been
// laid down, or nil if the budget is exhausted (section 4.1, section
// 7 kind 5).
func (a *slabAllocator) alloc(maxDataSize int, magic uint8) *MsgBuffer {
	if a.threaded {
		a.mut.Lock()
		defer a.mut.Unlock()
	}
	if a.outstanding >= a.budget {
		return nil
	}

	numPkts := numPktsOf(maxDataSize, a.maxDataPerPkt)
	need := numPkts * (pktHeaderSize + a.maxDataPerPkt)

	buf, _ := a.pool.Get().([]byte)
	if cap(buf) < need {
		buf = make([]byte, need)
	} else {
		buf = buf[:need]
		clear(buf)
	}

	a.outstanding++
	m := &MsgBuffer{
		Backing:       buf,
		MaxDataSize:   maxDataSize,
		DataSize:      maxDataSize,
		NumPkts:       numPkts,
		MaxDataPerPkt: a.maxDataPerPkt,
		Owned:         true,
	}
	m.stampHeaders(magic)
	return m
}

// free returns a MsgBuffer's backing allocation to the pool. Borrowed
// ("fake") buffers must never reach here — callers route those
// through the transport's PostRecvs instead.
func (a *slabAllocator) free(m *MsgBuffer) {
	if m == nil || !m.Owned || m.Backing == nil {
		return
	}
	if a.threaded {
		a.mut.Lock()
		defer a.mut.Unlock()
	}
	a.pool.Put(m.Backing[:0]) //nolint:staticcheck // pool reuse, not a leak
	a.outstanding--
	m.Backing = nil
}
