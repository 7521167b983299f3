package erpcgo

import (
	"github.com/glycerine/idem"
)

// bgWorkKind tags what a background work item asks the dispatcher (or
// a background worker) to do (SPEC_FULL.md section 4.8: "Three
// multi-producer / single-consumer queues attached to the endpoint:
// enqueue_request..., enqueue_response..., release_response...").
type bgWorkKind uint8

const (
	bgEnqueueRequest bgWorkKind = iota
	bgEnqueueResponse
	bgReleaseResponse
)

// bgWorkItem is the small tagged struct carried on the single bgQueues
// channel; kind says which of the three handoffs it is. Only the fields
// relevant to kind are populated.
type bgWorkItem struct {
	kind bgWorkKind

	// bgEnqueueRequest: a background handler issuing a nested RPC.
	sessionNum int
	reqType    uint8
	reqBuf     *MsgBuffer
	respBuf    *MsgBuffer
	cont       ContFunc
	tag        any
	bgWorker   int

	// bgEnqueueResponse: a background request handler's result.
	reqHandle *ReqHandle

	// bgReleaseResponse: a background continuation's completion.
	respHandle *RespHandle
}

// bgQueues realizes the endpoint's three cross-thread handoffs
// (section 4.8) as one buffered Go channel of tagged bgWorkItems, per
// the teacher's nexus_bg_thread.cc MtQueue-drained-by-a-dedicated-goroutine
// pattern, translated to channel receive instead of a spin-and-usleep
// poll. The dispatcher drains it once per event loop iteration. Nothing
// in this package calls push: handlers and continuations call
// EnqueueResponse/ReleaseResponse/EnqueueRequest directly, which take
// Endpoint.mu.
type bgQueues struct {
	ch chan bgWorkItem
}

func newBGQueues(capacity int) *bgQueues {
	return &bgQueues{ch: make(chan bgWorkItem, capacity)}
}

func (q *bgQueues) push(item bgWorkItem) {
	q.ch <- item
}

// drain pulls every currently-queued item without blocking, for the
// dispatcher's per-tick handoff step (section 4.7 step 4).
func (q *bgQueues) drain() []bgWorkItem {
	var out []bgWorkItem
	for {
		select {
		case item := <-q.ch:
			out = append(out, item)
		default:
			return out
		}
	}
}

// workerPool runs NumBackgroundWorkers goroutines, each pulling
// request-handler/continuation invocations off a dispatch channel fed
// by the dispatcher (section 4.8: "handlers and continuations running
// in background receive only opaque request/response handles").
// Supervised with idem.Halter, matching the teacher's lifecycle idiom
// throughout cli.go, so Endpoint.Close can stop every worker cleanly
// before tearing down the dispatcher.
type workerPool struct {
	Halt *idem.Halter
	jobs chan func()
}

func newWorkerPool(n int) *workerPool {
	wp := &workerPool{
		Halt: idem.NewHalterNamed("erpcgo-worker-pool"),
		jobs: make(chan func(), 256),
	}
	for i := 0; i < n; i++ {
		go wp.loop()
	}
	return wp
}

func (wp *workerPool) loop() {
	for {
		select {
		case <-wp.Halt.ReqStop.Chan:
			wp.Halt.Done.Close()
			return
		case job := <-wp.jobs:
			job()
		}
	}
}

// submit runs fn on a pooled background worker, or on its own ad hoc
// goroutine when wp is nil or the pool's queue is saturated. An
// Endpoint always has a pool: a single worker when
// Config.NumBackgroundWorkers == 0. fn is a request handler or a client
// continuation; both are documented to call back into
// EnqueueResponse/ReleaseResponse/EnqueueRequest, which reacquire
// Endpoint.mu. submit is reached from dispatchHandler and
// completeClientRequest while the dispatcher still holds that lock for
// the rest of its event-loop iteration, so fn must never run
// synchronously on the calling goroutine — only ever handed off.
func (wp *workerPool) submit(fn func()) {
	if wp == nil {
		go fn()
		return
	}
	select {
	case wp.jobs <- fn:
	default:
		go fn() // pool saturated: hand off rather than block or deadlock the caller
	}
}

func (wp *workerPool) close() {
	if wp == nil {
		return
	}
	wp.Halt.ReqStop.Close()
}
