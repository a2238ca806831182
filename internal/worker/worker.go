package worker

import (
	"net"
	"time"

	"github.com/openappsec/openappsec-sub007/internal/httpmanager"
	"github.com/openappsec/openappsec-sub007/internal/identity"
	"github.com/openappsec/openappsec-sub007/internal/metrics"
	"github.com/openappsec/openappsec-sub007/internal/session"
)

// Ring is the subset of *ring.Handle the inspection loop depends on.
// Declaring it here (rather than importing the ring package's concrete
// type) keeps worker testable with a fake, the same seam
// internal/verdict uses for its Sender interface.
type Ring interface {
	IsDataAvailable() bool
	Receive() ([]byte, error)
	Pop() error
	SendChunked(parts ...[]byte) error
	IsCorrupted() bool
	Reset(elements uint32)
	Dump()
}

// PluginMetricsSink forwards the opaque counter payload carried by a
// MetricFromPlugin frame to the external telemetry collector; that
// collector's own wire format and batching are out of scope (§1).
type PluginMetricsSink interface {
	ForwardCounters(payload []byte) error
}

// FailopenModeListener reports whether a runtime overload condition is
// currently forcing the fail-open bypass, mirroring the source agent's
// fail_open_mode_listener.isFailopenMode(): step (e)'s "fail-open mode
// is asserted" bypass requires both the configured FailOpen flag AND
// this listener saying yes, not the config flag alone. No
// FailopenModeEvent source is modeled here (§1 out of scope), so the
// default listener (nil) always answers false.
type FailopenModeListener interface {
	IsFailopenMode() bool
}

// Config is the static per-worker configuration the inspection loop
// needs, derived from config.Config at wiring time.
type Config struct {
	InstanceUniqueID     string
	FailOpen             bool
	InspectionTimeout    time.Duration
	RingElements         uint32
	RingSegmentSize      uint32
	ReRegistrationLimit  int
	ReRegistrationWindow time.Duration
	TenantHeaderKey      string
}

// Worker runs the per-frame pipeline (§4.7) for one plugin worker
// connection, bound to its ring and verdict socket. A Worker is not
// safe for concurrent use: it is driven by exactly one goroutine, the
// same discipline the session.Store it owns relies on.
type Worker struct {
	cfg      Config
	conn     net.Conn
	ring     Ring
	sessions *session.Store
	resolver *identity.Resolver
	manager  httpmanager.HttpManager
	metrics  *metrics.Metrics
	plugin   PluginMetricsSink
	failopen FailopenModeListener

	state State
}

// New builds a Worker bound to an already-handshaken connection and
// ring. Callers own handshake and ring allocation/re-registration
// gating (see Acceptor); New only wires together the Serving-state
// dependencies.
func New(cfg Config, conn net.Conn, r Ring, sessions *session.Store, resolver *identity.Resolver, manager httpmanager.HttpManager, m *metrics.Metrics) *Worker {
	return &Worker{
		cfg:      cfg,
		conn:     conn,
		ring:     r,
		sessions: sessions,
		resolver: resolver,
		manager:  manager,
		metrics:  m,
		state:    Registered,
	}
}

// SetPluginMetricsSink installs the collector MetricFromPlugin frames
// forward to. A nil sink (the default) silently drops those frames.
func (w *Worker) SetPluginMetricsSink(sink PluginMetricsSink) {
	w.plugin = sink
}

// SetFailopenModeListener installs the runtime overload signal step
// (e) consults. A nil listener (the default) means the bypass never
// fires regardless of the configured FailOpen flag.
func (w *Worker) SetFailopenModeListener(l FailopenModeListener) {
	w.failopen = l
}

// State returns the worker's current lifecycle stage.
func (w *Worker) State() State { return w.state }
