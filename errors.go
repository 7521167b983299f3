package erpcgo

import (
	"errors"
	"fmt"
	"reflect"
)

// panicOn is the teacher's fatal-assertion idiom: used only for
// programming errors (SPEC_FULL.md section 7 kind 7) and construction
// failures that have no sane recovery (kind 1). Nothing reachable from
// normal runtime operation — a dropped packet, a full backlog, a
// failed allocation — ever goes through panicOn; those return errors
// or are swallowed per section 7's surfacing policy.
func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

// isNil reports whether face holds a nil pointer, map, slice, or
// channel, used by the omap generic container to reject nil keys.
func isNil(face interface{}) bool {
	if face == nil {
		return true
	}
	switch reflect.TypeOf(face).Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan:
		return reflect.ValueOf(face).IsNil()
	}
	return false
}

// The seven error kinds from SPEC_FULL.md section 7. Sentinel values
// where the kind has no per-call detail; wrapped with fmt.Errorf where
// it does.
var (
	// ErrSessionNotConnected is returned by EnqueueRequest when the
	// session is not in the Connected state.
	ErrSessionNotConnected = errors.New("erpcgo: session not connected")

	// ErrAllocExhausted is what a nil MsgBuffer from AllocMsgBuffer
	// means (section 7 kind 5).
	ErrAllocExhausted = errors.New("erpcgo: msgbuf slab allocator exhausted")

	// ErrSessionNumOutOfRange is a programming error (kind 7): the
	// caller passed a session number never returned by CreateSession.
	ErrSessionNumOutOfRange = errors.New("erpcgo: session number out of range")

	// ErrConnectFailed is delivered to Endpoint.OnConnectFailed when the
	// connect handshake is answered with a rejection (kind 2).
	ErrConnectFailed = errors.New("erpcgo: session connect failed")

	// ErrDisconnectFailed is not returned or delivered by any code path
	// in this package.
	ErrDisconnectFailed = errors.New("erpcgo: session disconnect failed")

	// ErrSessionReset is the error flag value delivered to in-flight
	// continuations when a session transitions to Reset (kind 6).
	ErrSessionReset = errors.New("erpcgo: session reset, peer unresponsive")

	// ErrEndpointClosed is returned by public API calls made after
	// Endpoint.Close.
	ErrEndpointClosed = errors.New("erpcgo: endpoint closed")
)

// configError wraps a construction-time validation failure (kind 1).
func configError(format string, a ...interface{}) error {
	return fmt.Errorf("erpcgo: configuration error: "+format, a...)
}
