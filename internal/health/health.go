// Package health implements the external health-check and metrics
// endpoint named in the supervisor's start order (spec §4.6): a plain
// liveness probe at /health, and Prometheus-format counters at /metrics.
package health

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"blitiri.com.ar/go/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the monitoring HTTP endpoint. It is deliberately independent
// from the SMTP acceptor: it can keep serving /metrics even while the
// acceptor drains during shutdown.
type Server struct {
	httpSrv *http.Server
}

// New builds a Server bound to addr:port, exposing /health (always 200)
// and /metrics (the registry's Prometheus exposition).
func New(bindAddress string, port uint16, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		httpSrv: &http.Server{
			Addr:    net.JoinHostPort(bindAddress, strconv.Itoa(int(port))),
			Handler: mux,
		},
	}
}

// Run starts serving and blocks until the server stops, either because
// Shutdown was called or because of a listener error.
func (s *Server) Run() error {
	log.Infof("health: listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, per the caller's context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

