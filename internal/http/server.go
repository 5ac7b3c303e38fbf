package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// RunStatus reports propagation progress for the status endpoint.
type RunStatus interface {
	Status() (phase string, block, round int)
}

// Server exposes health, readiness, run status, and Prometheus metrics while
// a propagation run is in flight.
type Server struct {
	srv       *http.Server
	dbChecker DBChecker
	status    RunStatus
	logger    *zap.Logger
}

func NewServer(addr string, dbChecker DBChecker, status RunStatus, logger *zap.Logger) *Server {
	s := &Server{
		dbChecker: dbChecker,
		status:    status,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/statusz", s.handleStatusz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error: " + err.Error()
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if allOK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.status != nil {
		phase, block, round := s.status.Status()
		resp["phase"] = phase
		resp["block"] = block
		resp["round"] = round
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
