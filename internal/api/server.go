// Package api serves the optimizer's health and report surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kyotosystems/quell/internal/monitoring"
	"github.com/kyotosystems/quell/internal/optimizer"
)

// Server exposes /healthz, /metrics and the JSON report API
type Server struct {
	logger   *zap.Logger
	opt      *optimizer.Optimizer
	exporter *monitoring.Exporter
	srv      *http.Server
}

// NewServer wires the routes. exporter may be nil, which drops /metrics.
func NewServer(logger *zap.Logger, addr string, opt *optimizer.Optimizer, exporter *monitoring.Exporter) *Server {
	s := &Server{logger: logger, opt: opt, exporter: exporter}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/report", s.handleReport).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats/cache", s.handleCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/stats/pool", s.handlePoolStats).Methods(http.MethodGet)
	if exporter != nil {
		r.Handle("/metrics", exporter.Handler()).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Stop is called. Blocks; run it on its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("API server stopping")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.opt.Report())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.opt.Cache().Stats())
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.opt.Pool().Stats())
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}
