package worker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/openappsec/openappsec-sub007/internal/codec"
	"github.com/openappsec/openappsec-sub007/internal/httpmanager"
	"github.com/openappsec/openappsec-sub007/internal/identity"
	"github.com/openappsec/openappsec-sub007/internal/metrics"
	"github.com/openappsec/openappsec-sub007/internal/ring"
	"github.com/openappsec/openappsec-sub007/internal/session"
	"github.com/openappsec/openappsec-sub007/internal/verdict"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// fakeRing is an in-memory stand-in for *ring.Handle, letting the pump
// logic be tested without touching /dev/shm.
type fakeRing struct {
	frames    [][]byte
	sent      [][]byte
	corrupted bool
	dumped    bool
	wasReset  bool
}

func (f *fakeRing) IsDataAvailable() bool { return len(f.frames) > 0 }

func (f *fakeRing) Receive() ([]byte, error) {
	if f.corrupted {
		return nil, ring.ErrCorrupted
	}
	if len(f.frames) == 0 {
		return nil, nil
	}
	return f.frames[0], nil
}

func (f *fakeRing) Pop() error {
	if len(f.frames) > 0 {
		f.frames = f.frames[1:]
	}
	return nil
}

func (f *fakeRing) SendChunked(parts ...[]byte) error {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	f.sent = append(f.sent, out)
	return nil
}

func (f *fakeRing) IsCorrupted() bool { return f.corrupted }

func (f *fakeRing) Reset(elements uint32) {
	f.wasReset = true
	f.corrupted = false
	f.frames = nil
}

func (f *fakeRing) Dump() { f.dumped = true }

func buildFrame(dataType codec.ChunkType, sessionID codec.SessionID, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], uint16(dataType))
	binary.LittleEndian.PutUint32(out[2:6], uint32(sessionID))
	copy(out[frameHeaderSize:], payload)
	return out
}

func wireString(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(s)))
	copy(out[2:], s)
	return out
}

func wirePort(p uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, p)
	return out
}

func requestStartPayload() []byte {
	var out []byte
	out = append(out, wireString("HTTP/1.1")...)
	out = append(out, wireString("GET")...)
	out = append(out, wireString("localhost")...)
	out = append(out, wireString("0.0.0.0")...)
	out = append(out, wirePort(443)...)
	out = append(out, wireString("/")...)
	out = append(out, wireString("127.0.0.1")...)
	out = append(out, wirePort(47423)...)
	out = append(out, byte(codec.EncodingNone))
	return out
}

func newTestWorker(t *testing.T, r *fakeRing, manager httpmanager.HttpManager, failOpen bool) *Worker {
	t.Helper()
	cfg := Config{
		InstanceUniqueID:     "agent-1",
		FailOpen:             failOpen,
		RingElements:         256,
		RingSegmentSize:      64 * 1024,
		ReRegistrationLimit:  6,
		ReRegistrationWindow: 0,
		TenantHeaderKey:      "X-Tenant-Profile",
	}
	m := metrics.New(prometheus.NewRegistry())
	resolver := identity.NewResolver(identity.Config{})

	// pump() signals the plugin over the verdict socket whenever a
	// session terminates or the ring drains; drain the peer end here
	// so those writes don't block (net.Pipe is unbuffered).
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	go func() {
		buf := make([]byte, 4)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	return New(cfg, server, r, session.NewStore(), resolver, manager, m)
}

// decodeVerdictHeader extracts (kind, session_id, mod_count) from a
// sent frame for assertions.
func decodeVerdictHeader(t *testing.T, frame []byte) (verdict.Kind, codec.SessionID, uint8) {
	t.Helper()
	require.GreaterOrEqual(t, len(frame), 7)
	kind := verdict.Kind(binary.LittleEndian.Uint16(frame[0:2]))
	sessionID := codec.SessionID(binary.LittleEndian.Uint32(frame[2:6]))
	return kind, sessionID, frame[6]
}

func TestFreshRequestAcceptPath(t *testing.T) {
	r := &fakeRing{frames: [][]byte{
		buildFrame(codec.RequestStart, 1, requestStartPayload()),
		buildFrame(codec.RequestEnd, 1, nil),
	}}
	mock := httpmanager.NewMock()
	mock.InspectFunc = func(ctx context.Context, req httpmanager.InspectRequest) (verdict.Verdict, error) {
		return verdict.NewAccept(), nil
	}
	w := newTestWorker(t, r, mock, false)

	w.pump(context.Background(), 1)

	require.Len(t, r.sent, 1, "only RequestStart yields a verdict: RequestEnd arrives after the terminal Accept deleted the session")
	kind, sessionID, _ := decodeVerdictHeader(t, r.sent[0])
	require.Equal(t, verdict.Accept, kind)
	require.Equal(t, codec.SessionID(1), sessionID)
	require.False(t, w.sessions.Has(1), "terminal verdict must delete the session entry")
}

func TestDropWithCustomPage(t *testing.T) {
	r := &fakeRing{frames: [][]byte{
		buildFrame(codec.RequestStart, 2, requestStartPayload()),
	}}
	mock := httpmanager.NewMock()
	mock.InspectFunc = func(ctx context.Context, req httpmanager.InspectRequest) (verdict.Verdict, error) {
		return verdict.NewDrop(verdict.WebResponse{
			Kind:         verdict.CustomPage,
			ResponseCode: 403,
			Title:        "Blocked",
			Body:         "Go away",
		}), nil
	}
	w := newTestWorker(t, r, mock, false)

	w.pump(context.Background(), 2)

	require.Len(t, r.sent, 1)
	kind, _, _ := decodeVerdictHeader(t, r.sent[0])
	require.Equal(t, verdict.Drop, kind)
	require.False(t, w.sessions.Has(2))
}

func TestUnknownSessionChunkDroppedSilently(t *testing.T) {
	r := &fakeRing{frames: [][]byte{
		buildFrame(codec.RequestBody, 99, []byte{1, 0, 'x'}),
	}}
	mock := httpmanager.NewMock()
	w := newTestWorker(t, r, mock, false)

	w.pump(context.Background(), 99)

	require.Empty(t, r.sent, "chunk for a never-started session must not produce a verdict")
	require.Empty(t, r.frames)
}

func TestDuplicateRequestStartRecreatesEntry(t *testing.T) {
	r := &fakeRing{frames: [][]byte{
		buildFrame(codec.RequestStart, 5, requestStartPayload()),
	}}
	mock := httpmanager.NewMock()
	mock.InspectFunc = func(ctx context.Context, req httpmanager.InspectRequest) (verdict.Verdict, error) {
		return verdict.NewInspect(), nil
	}
	w := newTestWorker(t, r, mock, false)

	_, err := w.sessions.CreateEntry(5, session.RequestEndTTL)
	require.NoError(t, err)

	w.pump(context.Background(), 5)

	require.True(t, w.sessions.Has(5))
	require.NoError(t, w.sessions.SetActiveKey(5))
	o, err := w.sessions.StateOfActive()
	require.NoError(t, err)
	require.Equal(t, "GET", o.Metadata.Method)
}

// stubFailopenListener is a fixed-answer FailopenModeListener for tests.
type stubFailopenListener bool

func (s stubFailopenListener) IsFailopenMode() bool { return bool(s) }

func TestFailOpenConfigFlagAloneDoesNotBypassInspection(t *testing.T) {
	r := &fakeRing{frames: [][]byte{
		buildFrame(codec.RequestStart, 7, requestStartPayload()),
		buildFrame(codec.RequestHeader, 7, []byte{1, 0}),
	}}
	mock := httpmanager.NewMock()
	called := false
	mock.InspectFunc = func(ctx context.Context, req httpmanager.InspectRequest) (verdict.Verdict, error) {
		called = true
		return verdict.NewAccept(), nil
	}
	w := newTestWorker(t, r, mock, true)

	w.pump(context.Background(), 7)

	require.True(t, called, "cfg.FailOpen alone (no runtime overload asserted) must not bypass HttpManager")
}

func TestFailopenModeTriggeredBypassesInspection(t *testing.T) {
	r := &fakeRing{frames: [][]byte{
		buildFrame(codec.RequestHeader, 7, []byte{1, 0}),
	}}
	mock := httpmanager.NewMock()
	mock.InspectFunc = func(ctx context.Context, req httpmanager.InspectRequest) (verdict.Verdict, error) {
		t.Fatal("HttpManager must not be called while the runtime fail-open mode is asserted")
		return verdict.Verdict{}, nil
	}
	w := newTestWorker(t, r, mock, true)
	w.SetFailopenModeListener(stubFailopenListener(true))

	w.pump(context.Background(), 7)

	require.Len(t, r.sent, 1)
	kind, _, _ := decodeVerdictHeader(t, r.sent[0])
	require.Equal(t, verdict.Accept, kind)
}

func TestContentLengthSynthesizesInject(t *testing.T) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, 1234)
	r := &fakeRing{frames: [][]byte{
		buildFrame(codec.RequestStart, 9, requestStartPayload()),
		buildFrame(codec.ContentLength, 9, payload),
	}}
	mock := httpmanager.NewMock()
	mock.InspectFunc = func(ctx context.Context, req httpmanager.InspectRequest) (verdict.Verdict, error) {
		return verdict.NewInspect(), nil
	}
	w := newTestWorker(t, r, mock, false)

	w.pump(context.Background(), 9)

	require.Len(t, r.sent, 2, "one Inspect verdict for RequestStart, one Inject verdict for ContentLength")
	kind, _, modCount := decodeVerdictHeader(t, r.sent[1])
	require.Equal(t, verdict.Inject, kind)
	require.Equal(t, uint8(1), modCount)
}

func TestMetricFromPluginPoppedWithoutVerdict(t *testing.T) {
	r := &fakeRing{frames: [][]byte{
		buildFrame(codec.MetricFromPlugin, 0, []byte("counters")),
	}}
	mock := httpmanager.NewMock()
	w := newTestWorker(t, r, mock, false)

	w.pump(context.Background(), 42)

	require.Empty(t, r.sent)
	require.Empty(t, r.frames)
}

func TestParseErrorKeepsSessionAliveWithDefaultVerdict(t *testing.T) {
	r := &fakeRing{frames: [][]byte{
		buildFrame(codec.RequestStart, 3, requestStartPayload()),
		buildFrame(codec.ResponseCode, 3, []byte{0}), // too short: codec.ParseResponseCode needs 2 bytes
	}}
	mock := httpmanager.NewMock()
	mock.InspectFunc = func(ctx context.Context, req httpmanager.InspectRequest) (verdict.Verdict, error) {
		return verdict.NewInspect(), nil
	}
	w := newTestWorker(t, r, mock, false)

	w.pump(context.Background(), 3)

	require.True(t, w.sessions.Has(3), "a parse error must keep the session alive even though the default verdict (Drop) is terminal")
	require.Len(t, r.sent, 2, "one Inspect verdict for RequestStart, one default-verdict Drop for the malformed ResponseCode")
	kind, _, _ := decodeVerdictHeader(t, r.sent[1])
	require.Equal(t, verdict.Drop, kind)
}

func TestRingCorruptionDumpsAndResets(t *testing.T) {
	r := &fakeRing{corrupted: true, frames: [][]byte{{1, 2, 3}}}
	mock := httpmanager.NewMock()
	w := newTestWorker(t, r, mock, false)

	w.pump(context.Background(), 1)

	require.True(t, r.dumped)
	require.True(t, r.wasReset)
}
