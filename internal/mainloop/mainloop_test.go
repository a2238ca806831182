package mainloop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestSpawnRunsUntilParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sup := New(ctx)

	var ran atomic.Bool
	sup.Spawn("r1", RealTime, func(ctx context.Context) error {
		ran.Store(true)
		<-ctx.Done()
		return ctx.Err()
	})

	waitFor(t, ran.Load)
	require.Contains(t, sup.Running(), "r1")

	cancel()
	sup.Wait()
	require.Empty(t, sup.Running())
}

func TestStopCancelsOnlyNamedRoutine(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := New(ctx)

	var stopped, running atomic.Bool
	sup.Spawn("stop-me", RealTime, func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Store(true)
		return nil
	})
	sup.Spawn("keep-running", RealTime, func(ctx context.Context) error {
		<-ctx.Done()
		running.Store(true)
		return nil
	})

	waitFor(t, func() bool { return len(sup.Running()) == 2 })
	sup.Stop("stop-me")
	waitFor(t, stopped.Load)

	require.False(t, running.Load(), "the other routine must still be executing")
	require.NotContains(t, sup.Running(), "stop-me")
	require.Contains(t, sup.Running(), "keep-running")
}

func TestSpawnRecoversPanicWithoutCrashingSupervisor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := New(ctx)

	sup.Spawn("panics", RealTime, func(ctx context.Context) error {
		panic("boom")
	})

	waitFor(t, func() bool { return len(sup.Running()) == 0 })

	var ranAfter atomic.Bool
	sup.Spawn("still-works", System, func(ctx context.Context) error {
		ranAfter.Store(true)
		<-ctx.Done()
		return nil
	})
	waitFor(t, ranAfter.Load)
}

func TestSpawnDuplicateIDPanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := New(ctx)

	sup.Spawn("dup", RealTime, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	waitFor(t, func() bool { return len(sup.Running()) == 1 })

	require.Panics(t, func() {
		sup.Spawn("dup", RealTime, func(ctx context.Context) error { return nil })
	})
}

func TestTickStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- tick(ctx, time.Millisecond, func() { calls.Add(1) })
	}()

	waitFor(t, func() bool { return calls.Load() > 2 })
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not return after cancellation")
	}
}
