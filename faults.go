package erpcgo

// Faults holds deterministic fault-injection knobs, off by default
// (SPEC_FULL.md section 4.12, grounded on rpc.h's faults struct — one
// field at a time, checked only on the paths it names).
type Faults struct {
	// FailResolveRoutingInfo makes CreateSession's URI resolution fail
	// unconditionally, exercising the section 7 kind 2 SM-rejection
	// path without needing a genuinely bad URI.
	FailResolveRoutingInfo bool

	// HardWheelBypass forces every packet straight to the TX batch,
	// skipping the timing wheel regardless of Config.PacingEnabled or
	// congestion state (section 4.3's bypass conditions, overridden).
	HardWheelBypass bool

	// PktDropProb, when nonzero, is checked via the endpoint's PRNG on
	// every outbound packet in addition to whatever the transport
	// itself drops — lets a test drive loss independently of which
	// Transport is wired in.
	PktDropProb float64
}

func newFaults() *Faults {
	return &Faults{}
}

// Faults returns the endpoint's fault-injection knobs (section 4.12).
func (ep *Endpoint) Faults() *Faults { return ep.faults }

// shouldDropTx rolls the fault-injection drop decision for one
// outbound packet (section 4.12). Returns false whenever PktDropProb
// is zero without touching the PRNG.
func (ep *Endpoint) shouldDropTx() bool {
	if ep.faults.PktDropProb <= 0 {
		return false
	}
	return ep.rng.PseudoRandNonNegInt64Range(1_000_000) < int64(ep.faults.PktDropProb*1_000_000)
}
