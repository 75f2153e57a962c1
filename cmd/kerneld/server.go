package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheck is one named readiness probe.
type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// opsServer serves the operational endpoints: /healthz for liveness and
// /readyz for readiness against the daemon's dependencies.
type opsServer struct {
	addr   string
	logger *slog.Logger
	checks []healthCheck

	srv *http.Server
	ln  net.Listener
}

func newOpsServer(addr string, logger *slog.Logger, checks ...healthCheck) *opsServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &opsServer{addr: addr, logger: logger, checks: checks}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *opsServer) Name() string { return "ops-http" }

func (s *opsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server stopped", "error", err)
		}
	}()

	s.logger.Info("ops endpoint listening", "addr", ln.Addr().String())
	return nil
}

func (s *opsServer) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *opsServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *opsServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *opsServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, hc := range s.checks {
		if err := hc.check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "check", hc.name, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"check":  hc.name,
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
