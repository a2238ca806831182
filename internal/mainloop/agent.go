package mainloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/openappsec/openappsec-sub007/internal/metrics"
	"github.com/openappsec/openappsec-sub007/internal/registrar"
	"github.com/openappsec/openappsec-sub007/internal/session"
	"github.com/openappsec/openappsec-sub007/internal/worker"
)

// AgentDeps is everything the top-level agent process wires together
// (cmd/agent's job) and hands to RunAgent.
type AgentDeps struct {
	Acceptor  *worker.Acceptor
	Registrar *registrar.Registrar // nil disables the registrar routine (tests, standalone demos)
	Sessions  *session.Store
	Metrics   *metrics.Metrics

	MetricSampleInterval time.Duration // Offline routine, defaults to 5s
	MetricFlushInterval  time.Duration // Timer routine, defaults to 600s
}

func (d *AgentDeps) withDefaults() AgentDeps {
	out := *d
	if out.MetricSampleInterval == 0 {
		out.MetricSampleInterval = 5 * time.Second
	}
	if out.MetricFlushInterval == 0 {
		out.MetricFlushInterval = 600 * time.Second
	}
	return out
}

// RunAgent spawns every routine spec.md §5 names (registrar, verdict
// listener, per-worker serve loops, metric sampler and flush timer) on
// a fresh Supervisor and blocks until ctx is cancelled, then waits for
// every routine to unwind before returning.
func RunAgent(ctx context.Context, deps AgentDeps) {
	d := deps.withDefaults()
	sup := New(ctx)

	if d.Registrar != nil {
		sup.Spawn("registrar", System, d.Registrar.Serve)
	}

	sup.Spawn("verdict-listener", RealTime, func(ctx context.Context) error {
		return acceptLoop(ctx, sup, d.Acceptor)
	})

	// One sampler shared by both routines: the Offline routine feeds it
	// an observation every MetricSampleInterval, and the Timer routine
	// only flushes the accumulated min/max/average into the gauges —
	// flushing on every sample would make min=max=avg=the instantaneous
	// count and leave the accumulation in TableSizeSampler dead code.
	sampler := metrics.NewTableSizeSampler(d.Metrics)

	sup.Spawn("metric-sampler", Offline, func(ctx context.Context) error {
		return tick(ctx, d.MetricSampleInterval, func() {
			sampler.Sample(d.Sessions.Count())
		})
	})

	sup.Spawn("metric-flush", Timer, func(ctx context.Context) error {
		return tick(ctx, d.MetricFlushInterval, sampler.Flush)
	})

	<-ctx.Done()
	sup.Wait()
}

// acceptLoop repeatedly accepts plugin worker connections and spawns a
// dedicated RealTime Serve routine for each one (§4.7 "Serving"). It
// returns when ctx is cancelled or the listener is closed.
func acceptLoop(ctx context.Context, sup *Supervisor, a *worker.Acceptor) error {
	var nextID atomic.Uint64
	for {
		w, err := a.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("mainloop: accept failed, retrying", "error", err)
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		id := fmt.Sprintf("worker-%d", nextID.Add(1))
		sup.Spawn(id, RealTime, func(ctx context.Context) error {
			err := w.Serve(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Info("mainloop: worker routine stopped", "id", id, "error", err)
			}
			return nil
		})
	}
}

// tick runs fn every interval until ctx is cancelled, checking
// cancellation at the same yield point spec.md §5 describes for Timer
// and Offline routines.
func tick(ctx context.Context, interval time.Duration, fn func()) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			fn()
		case <-ctx.Done():
			return nil
		}
	}
}
