package ring

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func freshHandle(t *testing.T, elements, segments uint32) *Handle {
	t.Helper()
	id := fmt.Sprintf("test-%s-%d", t.Name(), elements)
	h, err := Init(id, os.Getuid(), os.Getgid(), segments, elements, nil)
	require.NoError(t, err)
	t.Cleanup(func() { h.Destroy(segments) })
	return h
}

func TestSendReceivePopRoundTrip(t *testing.T) {
	h := freshHandle(t, 4, 64)
	require.False(t, h.IsDataAvailable())

	require.NoError(t, h.Send([]byte("hello")))
	require.True(t, h.IsDataAvailable())

	got, err := h.Receive()
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	require.NoError(t, h.Pop())
	require.False(t, h.IsDataAvailable())
}

func TestSendChunkedConcatenatesParts(t *testing.T) {
	h := freshHandle(t, 2, 32)
	require.NoError(t, h.SendChunked([]byte("foo"), []byte("bar")))

	got, err := h.Receive()
	require.NoError(t, err)
	require.Equal(t, "foobar", string(got))
}

func TestSendFrameTooLarge(t *testing.T) {
	h := freshHandle(t, 2, 4)
	err := h.Send([]byte("this does not fit"))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestQueueFullRejectsSend(t *testing.T) {
	h := freshHandle(t, 1, 16)
	require.NoError(t, h.Send([]byte("a")))
	require.Error(t, h.Send([]byte("b")))
}

func TestResetClearsCorruption(t *testing.T) {
	h := freshHandle(t, 2, 16)
	require.NoError(t, h.Send([]byte("x")))

	*h.corruptedFlag() = 1
	require.True(t, h.IsCorrupted())

	h.Reset(0)
	require.False(t, h.IsCorrupted())
	require.False(t, h.IsDataAvailable())
}

func TestFIFOOrdering(t *testing.T) {
	h := freshHandle(t, 4, 16)
	require.NoError(t, h.Send([]byte("1")))
	require.NoError(t, h.Send([]byte("2")))
	require.NoError(t, h.Send([]byte("3")))

	for _, want := range []string{"1", "2", "3"} {
		got, err := h.Receive()
		require.NoError(t, err)
		require.Equal(t, want, string(got))
		require.NoError(t, h.Pop())
	}
	require.False(t, h.IsDataAvailable())
}
