// Package erpcgo implements the datapath and session layer of a
// datacenter RPC endpoint: credit- and wheel-paced transmission,
// multi-packet request/response reassembly, packet-loss detection
// and retransmission, and the single-threaded dispatcher event loop
// that drives all of it.
//
// An Endpoint is driven by exactly one dispatcher goroutine. Optional
// background worker goroutines run user-supplied request handlers and
// continuations, handed work only through bounded channels so they
// never touch session or sslot state directly.
package erpcgo
