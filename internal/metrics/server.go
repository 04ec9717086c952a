package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/glowstream/engine/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusFunc reports engine health for the /healthz endpoint. It is a
// closure so the metrics server does not depend on engine internals.
type StatusFunc func() (healthy bool, detail map[string]any)

// Server exposes Prometheus metrics and a liveness endpoint.
type Server struct {
	srv    *http.Server
	log    *zap.Logger
	status StatusFunc
}

// NewServer builds the metrics HTTP server. status may be nil, in which
// case /healthz always reports healthy.
func NewServer(port int, path string, status StatusFunc) *Server {
	s := &Server{
		log:    logger.New("metrics"),
		status: status,
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	healthy := true
	detail := map[string]any{}
	if s.status != nil {
		healthy, detail = s.status()
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	resp := map[string]any{
		"healthy": healthy,
		"detail":  detail,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("failed to write health response", zap.Error(err))
	}
}
