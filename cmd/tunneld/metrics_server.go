package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsServer is a minimal transport.Listener mounting only
// /metrics, wired up separately from the wsserver façade so it can be
// omitted entirely when METRICS_ENABLED=false (the default), keeping
// the default HTTP surface minimal.
type metricsServer struct {
	inner *http.Server
	log   *slog.Logger
}

func newMetricsServer(reg *prometheus.Registry, log *slog.Logger) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &metricsServer{
		inner: &http.Server{Addr: ":9090", Handler: mux},
		log:   log.With("component", "metrics"),
	}
}

func (m *metricsServer) Start(ctx context.Context) error {
	m.inner.BaseContext = func(net.Listener) context.Context { return ctx }
	m.log.Info("starting", "address", m.inner.Addr)
	if err := m.inner.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (m *metricsServer) Stop(ctx context.Context) error {
	return m.inner.Shutdown(ctx)
}
