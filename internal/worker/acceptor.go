package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/openappsec/openappsec-sub007/internal/httpmanager"
	"github.com/openappsec/openappsec-sub007/internal/identity"
	"github.com/openappsec/openappsec-sub007/internal/metrics"
	"github.com/openappsec/openappsec-sub007/internal/ring"
	"github.com/openappsec/openappsec-sub007/internal/session"
)

// RingOpener abstracts ring.Init so Acceptor can be tested without
// touching /dev/shm.
type RingOpener func(uniqueID string, uid, gid int, segments, elements uint32, debugSink io.Writer) (*ring.Handle, error)

// Acceptor owns the listening verdict socket (the Unbound/Accepting
// states) and produces a handshaken, ring-bound Worker for each plugin
// connection, applying the re-registration rate limiter described in
// §4.7. There is exactly one ring per agent instance: re-registration
// means the same plugin worker reconnecting to the same ring, not a
// pool of independent rings.
type Acceptor struct {
	cfg      Config
	ln       net.Listener
	sessions *session.Store
	resolver *identity.Resolver
	manager  httpmanager.HttpManager
	metrics  *metrics.Metrics
	plugin   PluginMetricsSink
	openRing RingOpener
	debug    io.Writer

	mu        sync.Mutex
	ringH     *ring.Handle
	ringUID   int
	ringGID   int
	ringBound bool
	limiter   *reRegistrationLimiter
}

// NewAcceptor builds an Acceptor listening on ln.
func NewAcceptor(cfg Config, ln net.Listener, sessions *session.Store, resolver *identity.Resolver, manager httpmanager.HttpManager, m *metrics.Metrics, debug io.Writer) *Acceptor {
	return &Acceptor{
		cfg:      cfg,
		ln:       ln,
		sessions: sessions,
		resolver: resolver,
		manager:  manager,
		metrics:  m,
		debug:    debug,
		openRing: ring.Init,
		limiter:  newReRegistrationLimiter(cfg.ReRegistrationLimit, cfg.ReRegistrationWindow),
	}
}

// SetPluginMetricsSink installs the sink every Worker this Acceptor
// produces will forward MetricFromPlugin frames to.
func (a *Acceptor) SetPluginMetricsSink(sink PluginMetricsSink) {
	a.plugin = sink
}

// Accept blocks for the next plugin worker connection, handshakes it,
// and binds or reuses the instance ring, applying the re-registration
// rate limit (§4.7). It returns a Worker ready for Serve.
func (a *Acceptor) Accept(ctx context.Context) (*Worker, error) {
	conn, err := a.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("worker: accept: %w", err)
	}

	hs, err := Handshake(conn, a.cfg.InstanceUniqueID)
	if err != nil {
		conn.Close()
		if a.metrics != nil {
			a.metrics.RecordRegistration(false)
		}
		return nil, fmt.Errorf("worker: accept: %w", err)
	}

	r, registered, err := a.bindRing(int(hs.WorkerUserID), int(hs.WorkerGroupID))
	if err != nil {
		conn.Close()
		if a.metrics != nil {
			a.metrics.RecordRegistration(false)
		}
		return nil, fmt.Errorf("worker: accept: bind ring: %w", err)
	}
	if a.metrics != nil {
		a.metrics.RecordRegistration(true)
	}
	if !registered {
		slog.Info("worker: fresh ring allocated", "uid", hs.WorkerUserID, "gid", hs.WorkerGroupID)
	}

	w := New(a.cfg, conn, r, a.sessions, a.resolver, a.manager, a.metrics)
	w.SetPluginMetricsSink(a.plugin)
	return w, nil
}

// bindRing returns the ring to use for a newly handshaken (uid, gid),
// reusing the existing one when it belongs to the same identity, is
// not corrupted, and the re-registration rate limit allows it.
// registered reports whether the existing ring was reused (true) or a
// fresh one allocated (false, either because none existed yet or
// because reuse was denied).
func (a *Acceptor) bindRing(uid, gid int) (*ring.Handle, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sameIdentity := a.ringBound && a.ringUID == uid && a.ringGID == gid
	reuse := sameIdentity && !a.ringH.IsCorrupted() && a.limiter.Allow(time.Now())

	if a.ringBound && !reuse {
		_ = a.ringH.Destroy(a.cfg.RingSegmentSize)
		a.ringBound = false
		a.ringH = nil
	}

	if !a.ringBound {
		r, err := a.openRing(a.cfg.InstanceUniqueID, uid, gid, a.cfg.RingSegmentSize, a.cfg.RingElements, a.debug)
		if err != nil {
			return nil, false, err
		}
		a.ringH = r
		a.ringUID = uid
		a.ringGID = gid
		a.ringBound = true
		return r, false, nil
	}

	return a.ringH, true, nil
}
