// Command agent is the HTTP inspection agent process: it pairs one
// shared-memory ring and one verdict-socket acceptor with one plugin
// worker (spec.md §1, §4.5, §4.7), and runs the attachment registrar
// and the metric timers alongside it under a single mainloop
// supervisor (spec.md §5).
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/openappsec/openappsec-sub007/internal/config"
	"github.com/openappsec/openappsec-sub007/internal/httpmanager"
	"github.com/openappsec/openappsec-sub007/internal/identity"
	"github.com/openappsec/openappsec-sub007/internal/mainloop"
	"github.com/openappsec/openappsec-sub007/internal/metrics"
	"github.com/openappsec/openappsec-sub007/internal/registrar"
	"github.com/openappsec/openappsec-sub007/internal/session"
	"github.com/openappsec/openappsec-sub007/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Get()
	slog.Info("agent: starting", "instance_unique_id", cfg.Instance.UniqueID, "fail_open", cfg.Inspection.FailOpen)

	m := metrics.New(prometheus.DefaultRegisterer)
	sessions := session.NewStore()
	resolver := identity.NewResolver(loadIdentityConfig(cfg.Paths.SharedSettingsPath))
	manager := httpManagerFromEnv()

	verdictSocketPath := filepath.Join(cfg.Paths.RegistrationSocketDir, "cp-nano-http-transaction-handler-"+cfg.Instance.UniqueID)
	if err := os.MkdirAll(filepath.Dir(verdictSocketPath), 0777); err != nil {
		slog.Error("agent: create verdict socket dir", "path", filepath.Dir(verdictSocketPath), "error", err)
		os.Exit(1)
	}
	os.Remove(verdictSocketPath)
	ln, err := net.Listen("unix", verdictSocketPath)
	if err != nil {
		slog.Error("agent: listen on verdict socket", "path", verdictSocketPath, "error", err)
		os.Exit(1)
	}
	defer ln.Close()

	workerCfg := worker.Config{
		InstanceUniqueID:     cfg.Instance.UniqueID,
		FailOpen:             cfg.Inspection.FailOpen,
		InspectionTimeout:    cfg.InspectionTimeout(),
		RingElements:         cfg.Ring.Elements,
		RingSegmentSize:      cfg.Ring.SegmentSize,
		ReRegistrationLimit:  cfg.Registrar.ReRegistrationLimit,
		ReRegistrationWindow: cfg.ReRegistrationWindow(),
		TenantHeaderKey:      cfg.Tenant.HeaderKey,
	}
	acceptor := worker.NewAcceptor(workerCfg, ln, sessions, resolver, manager, m, os.Stderr)

	reg := registrarFromEnv(cfg)

	go serveMetricsEndpoint()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		slog.Info("agent: shutdown signal received")
		cancel()
	}()

	mainloop.RunAgent(ctx, mainloop.AgentDeps{
		Acceptor:  acceptor,
		Registrar: reg,
		Sessions:  sessions,
		Metrics:   m,
	})

	slog.Info("agent: stopped")
}

// loadIdentityConfig reads the sourceIdentifiers policy block from the
// shared-settings file (§4.8, §6). A missing or malformed file falls
// back to an empty Config rather than blocking startup — the resolver
// still runs, it simply never promotes anything above the default
// source-ip identity.
func loadIdentityConfig(path string) identity.Config {
	var cfg identity.Config
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("agent: read shared settings, using defaults", "path", path, "error", err)
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Warn("agent: parse shared settings, using defaults", "path", path, "error", err)
		return identity.Config{}
	}
	return cfg
}

// httpManagerFromEnv selects the policy-evaluation backend. The real
// HttpManager integration is out of scope (spec.md §1); until one is
// wired in, the agent runs against the deterministic Mock so the rest
// of the pipeline is exercisable end to end.
func httpManagerFromEnv() httpmanager.HttpManager {
	return httpmanager.NewMock()
}

// registrarFromEnv builds the attachment registrar, grounded on
// spec.md §4.6. The watchdog binary path defaults to the well-known
// nano-agent location but is overridable for local runs.
func registrarFromEnv(cfg *config.Config) *registrar.Registrar {
	watchdogPath := os.Getenv("HTTP_INTAKE_WATCHDOG_PATH")
	if watchdogPath == "" {
		watchdogPath = "/etc/cp/watchdog/cp-nano-watchdog"
	}
	execPaths := map[uint8]string{
		0: "/etc/cp/http-transaction-handler/cp-nano-http-transaction-handler",
	}
	return registrar.New(registrar.Config{
		Dir:                cfg.Paths.RegistrationSocketDir,
		ExecPaths:          execPaths,
		ExpirationInterval: cfg.FamilyExpirationInterval(),
	}, &registrar.RealWatchdog{Path: watchdogPath}, os.Stderr)
}

func serveMetricsEndpoint() {
	addr := os.Getenv("HTTP_INTAKE_METRICS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	slog.Info("agent: metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
		slog.Warn("agent: metrics endpoint stopped", "error", err)
	}
}
