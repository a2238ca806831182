package registrar

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeWatchdog struct {
	registered   []string
	unregistered []string
	failRegister bool
}

func (f *fakeWatchdog) Register(ctx context.Context, exec string, family string, count uint8) error {
	if f.failRegister {
		return errFake
	}
	f.registered = append(f.registered, family)
	return nil
}

func (f *fakeWatchdog) Unregister(ctx context.Context, exec string, family string) error {
	f.unregistered = append(f.unregistered, family)
	return nil
}

var errFake = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fake watchdog failure" }

func newTestRegistrar(t *testing.T, wd Watchdog) (*Registrar, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "sock")
	cfg := Config{
		Dir:                dir,
		ExecPaths:          map[uint8]string{0: "/opt/handlers/http"},
		ExpirationInterval: 50 * time.Millisecond,
		BindRetryInterval:  10 * time.Millisecond,
		WatchdogTimeout:    time.Second,
	}
	r := New(cfg, wd, &bytes.Buffer{})
	return r, dir
}

func dial(t *testing.T, dir, name string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", filepath.Join(dir, name))
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s failed: %v", name, err)
	return nil
}

func TestRegistrationProtocolRepliesWithHandlerPath(t *testing.T) {
	wd := &fakeWatchdog{}
	r, dir := newTestRegistrar(t, wd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx)

	conn := dial(t, dir, r.cfg.RegistrationSocketName)
	defer conn.Close()

	_, err := conn.Write([]byte{0, 5, 2, 3, 'f', 'o', 'o'})
	require.NoError(t, err)

	reply := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(reply)
	require.NoError(t, err)
	require.Greater(t, n, 1)
	pathLen := reply[0]
	require.Equal(t, string(reply[1:1+int(pathLen)]), handlerPath(0, "foo", 5))

	require.Equal(t, []string{"foo"}, wd.registered)
}

func TestRegistrationFailureClosesWithoutReply(t *testing.T) {
	wd := &fakeWatchdog{failRegister: true}
	r, dir := newTestRegistrar(t, wd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx)

	conn := dial(t, dir, r.cfg.RegistrationSocketName)
	defer conn.Close()

	_, err := conn.Write([]byte{0, 5, 2, 3, 'f', 'o', 'o'})
	require.NoError(t, err)

	reply := make([]byte, 8)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = conn.Read(reply)
	require.Error(t, err)
}

func TestKeepAliveMarksInstanceAlive(t *testing.T) {
	wd := &fakeWatchdog{}
	r, _ := newTestRegistrar(t, wd)

	r.mu.Lock()
	r.families["foo"] = &family{execPath: "/opt/handlers/http", alive: make([]bool, 2)}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx)

	conn := dial(t, newTestDir(r), r.cfg.KeepAliveSocketName)
	defer conn.Close()
	_, err := conn.Write([]byte{1, 3, 'f', 'o', 'o'})
	require.NoError(t, err)
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	r.mu.Lock()
	alive := r.families["foo"].alive[1]
	r.mu.Unlock()
	require.True(t, alive)
}

func newTestDir(r *Registrar) string { return r.cfg.Dir }

func TestKeepAliveGrowsUnknownAttachmentID(t *testing.T) {
	wd := &fakeWatchdog{}
	r, dir := newTestRegistrar(t, wd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx)

	conn := dial(t, dir, r.cfg.KeepAliveSocketName)
	_, err := conn.Write([]byte{2, 3, 'b', 'a', 'r'})
	require.NoError(t, err)
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	r.mu.Lock()
	f := r.families["bar"]
	r.mu.Unlock()
	require.NotNil(t, f)
	require.Len(t, f.alive, 3)
	require.True(t, f.alive[2])
}

func TestExpirationUnregistersAllFalseFamily(t *testing.T) {
	wd := &fakeWatchdog{}
	r, _ := newTestRegistrar(t, wd)

	r.mu.Lock()
	r.families["stale"] = &family{execPath: "/opt/handlers/http", alive: []bool{false, false}}
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.expirationLoop(ctx)

	require.Eventually(t, func() bool {
		r.mu.Lock()
		_, exists := r.families["stale"]
		r.mu.Unlock()
		return !exists
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"stale"}, wd.unregistered)
}

func TestExpirationResetsLivenessOnUnregisterFailure(t *testing.T) {
	wd := &fakeWatchdog{}
	r, _ := newTestRegistrar(t, wd)
	r.watchdog = &failingUnregisterWatchdog{}

	r.mu.Lock()
	r.families["stale"] = &family{execPath: "/opt/handlers/http", alive: []bool{true, false}}
	f := r.families["stale"]
	f.alive[0] = false
	r.mu.Unlock()

	r.expireOnce(context.Background())

	r.mu.Lock()
	_, stillExists := r.families["stale"]
	r.mu.Unlock()
	require.True(t, stillExists)
}

type failingUnregisterWatchdog struct{}

func (*failingUnregisterWatchdog) Register(ctx context.Context, exec, family string, count uint8) error {
	return nil
}
func (*failingUnregisterWatchdog) Unregister(ctx context.Context, exec, family string) error {
	return errFake
}
