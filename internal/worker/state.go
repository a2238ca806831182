// Package worker implements the per-worker inspection loop (§4.7): the
// state machine that accepts one plugin worker on its verdict socket,
// binds it to a shared-memory ring, and pumps chunk frames through the
// Chunk Codec, the Session Store, the Source-Identifier Resolver, the
// external HttpManager, and the Verdict Responder.
package worker

// State is a stage in a worker connection's lifecycle (§4.7).
type State int

const (
	// Unbound: server socket open, ring not yet allocated.
	Unbound State = iota
	// Accepting: waiting for the plugin worker to connect.
	Accepting
	// Handshaking: reading the uid/gid handshake fields.
	Handshaking
	// Registered: ring allocated, ack sent.
	Registered
	// Serving: pumping frames off the ring.
	Serving
	// Recovering: reallocating or discarding the ring after corruption
	// or a failed re-registration check.
	Recovering
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "Unbound"
	case Accepting:
		return "Accepting"
	case Handshaking:
		return "Handshaking"
	case Registered:
		return "Registered"
	case Serving:
		return "Serving"
	case Recovering:
		return "Recovering"
	default:
		return "Unknown"
	}
}
