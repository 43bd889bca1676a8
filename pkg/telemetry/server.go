package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthReport is what /healthz serves. Healthy selects the status code.
type HealthReport struct {
	Healthy bool        `json:"healthy"`
	Detail  interface{} `json:"detail,omitempty"`
}

// HealthFunc produces the current health report
type HealthFunc func() HealthReport

// Server exposes /metrics and /healthz
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewRouter builds the HTTP routes
func NewRouter(registry *promclient.Registry, health HealthFunc) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := HealthReport{Healthy: true}
		if health != nil {
			report = health()
		}
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}).Methods(http.MethodGet)
	return router
}

// Listen binds addr and returns a server ready to Serve
func Listen(addr string, handler http.Handler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger,
	}, nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until the server is shut down
func (s *Server) Serve() error {
	s.logger.Info("Metrics server listening", zap.String("addr", s.Addr()))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
