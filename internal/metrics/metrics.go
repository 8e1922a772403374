// Package metrics supplies the single shared prometheus.Registry every
// long-lived component registers its counters/gauges/histograms onto
// (SPEC_FULL §1.1), and the HTTP handler the run command exposes it with.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRegistry constructs a fresh registry, already carrying the default Go
// runtime/process collectors the reference project's dependency surface
// pulls in via client_golang.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}

// Server exposes reg's metrics over HTTP at /metrics.
type Server struct {
	httpServer *http.Server
	log        *zap.SugaredLogger
}

// NewServer builds a /metrics HTTP server bound to addr.
func NewServer(addr string, reg *prometheus.Registry, logger *zap.SugaredLogger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: mux},
		log:        logger.Named("metrics"),
	}
}

// Start serves metrics until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.httpServer.Shutdown(context.Background())
	}()
	s.log.Infow("metrics server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Errorw("metrics server exited", "error", err)
	}
}
