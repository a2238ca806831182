package worker

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openappsec/openappsec-sub007/internal/httpmanager"
	"github.com/openappsec/openappsec-sub007/internal/identity"
	"github.com/openappsec/openappsec-sub007/internal/metrics"
	"github.com/openappsec/openappsec-sub007/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// pipeListener adapts a channel of pre-connected net.Conn pairs into a
// net.Listener, letting Acceptor.Accept be exercised without a real
// Unix socket.
type pipeListener struct {
	conns chan net.Conn
}

func (l *pipeListener) Accept() (net.Conn, error) {
	c, ok := <-l.conns
	if !ok {
		return nil, fmt.Errorf("pipeListener: closed")
	}
	return c, nil
}
func (l *pipeListener) Close() error   { return nil }
func (l *pipeListener) Addr() net.Addr { return nil }

func connectAndHandshake(t *testing.T, ln *pipeListener, uid string, workerUID, workerGID uint32) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	ln.conns <- server
	writeHandshakeFrame(t, client, uid, workerUID, workerGID)
	ack := make([]byte, 1)
	_, err := client.Read(ack)
	require.NoError(t, err)
	require.Equal(t, byte(1), ack[0])
	return client
}

// testRingUniqueIDSeq keeps each test's ring.Init call on a distinct
// /dev/shm path so parallel test runs can't collide.
var testRingUniqueIDSeq atomic.Uint64

func newTestAcceptor(t *testing.T) (*Acceptor, *pipeListener) {
	t.Helper()
	ln := &pipeListener{conns: make(chan net.Conn, 4)}
	instanceID := fmt.Sprintf("acceptor-test-%d-%d", time.Now().UnixNano(), testRingUniqueIDSeq.Add(1))
	cfg := Config{
		InstanceUniqueID:     instanceID,
		RingElements:         256,
		RingSegmentSize:      4096,
		ReRegistrationLimit:  6,
		ReRegistrationWindow: 20 * time.Second,
	}
	m := metrics.New(prometheus.NewRegistry())
	a := NewAcceptor(cfg, ln, session.NewStore(), identity.NewResolver(identity.Config{}), httpmanager.NewMock(), m, nil)
	t.Cleanup(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.ringBound {
			_ = a.ringH.Destroy(cfg.RingSegmentSize)
		}
	})
	return a, ln
}

func TestAcceptorAllocatesRingOnFirstConnect(t *testing.T) {
	a, ln := newTestAcceptor(t)

	client := connectAndHandshake(t, ln, a.cfg.InstanceUniqueID, 500, 600)
	defer client.Close()

	w, err := a.Accept(context.Background())
	require.NoError(t, err)
	require.NotNil(t, w)
	require.True(t, a.ringBound)
	require.Equal(t, 500, a.ringUID)
	require.Equal(t, 600, a.ringGID)
}

func TestAcceptorReusesRingForSameIdentity(t *testing.T) {
	a, ln := newTestAcceptor(t)

	c1 := connectAndHandshake(t, ln, a.cfg.InstanceUniqueID, 500, 600)
	_, err := a.Accept(context.Background())
	require.NoError(t, err)
	c1.Close()
	firstRing := a.ringH

	c2 := connectAndHandshake(t, ln, a.cfg.InstanceUniqueID, 500, 600)
	defer c2.Close()
	_, err = a.Accept(context.Background())
	require.NoError(t, err)

	require.Same(t, firstRing, a.ringH, "the second handshake for the same (uid, gid) must reuse the existing ring")
}

func TestAcceptorAllocatesFreshRingForDifferentIdentity(t *testing.T) {
	a, ln := newTestAcceptor(t)

	c1 := connectAndHandshake(t, ln, a.cfg.InstanceUniqueID, 500, 600)
	_, err := a.Accept(context.Background())
	require.NoError(t, err)
	c1.Close()
	firstRing := a.ringH

	c2 := connectAndHandshake(t, ln, a.cfg.InstanceUniqueID, 777, 888)
	defer c2.Close()
	_, err = a.Accept(context.Background())
	require.NoError(t, err)

	require.NotSame(t, firstRing, a.ringH, "a handshake from a different (uid, gid) must allocate a fresh ring")
	require.Equal(t, 777, a.ringUID)
	require.Equal(t, 888, a.ringGID)
}

func TestAcceptorRateLimitsReRegistrationAndReallocates(t *testing.T) {
	a, ln := newTestAcceptor(t)
	a.limiter = newReRegistrationLimiter(1, 20*time.Second)

	c1 := connectAndHandshake(t, ln, a.cfg.InstanceUniqueID, 500, 600)
	_, err := a.Accept(context.Background())
	require.NoError(t, err)
	c1.Close()

	// The limiter is only consulted on re-registration (sameIdentity),
	// so the initial connect doesn't spend it. The first re-connect
	// spends the single allowance and still reuses the ring.
	c2 := connectAndHandshake(t, ln, a.cfg.InstanceUniqueID, 500, 600)
	_, err = a.Accept(context.Background())
	require.NoError(t, err)
	c2.Close()
	reusedRing := a.ringH

	// The second re-connect exceeds the limit and forces reallocation.
	c3 := connectAndHandshake(t, ln, a.cfg.InstanceUniqueID, 500, 600)
	defer c3.Close()
	_, err = a.Accept(context.Background())
	require.NoError(t, err)

	require.NotSame(t, reusedRing, a.ringH, "exceeding the re-registration limit must reallocate the ring")
	require.True(t, a.ringBound)
}
