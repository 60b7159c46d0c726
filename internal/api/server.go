package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"counterliq/pkg/types"
)

// Server exposes the controller over HTTP together with /health and
// /metrics.
type Server struct {
	ctrl   *Controller
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the route table.
func NewServer(ctrl *Controller, port int, logger *slog.Logger) *Server {
	s := &Server{
		ctrl:   ctrl,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/strategy", s.handleGetStrategy)
	mux.HandleFunc("POST /api/strategy", s.handleCreateStrategy)
	mux.HandleFunc("PUT /api/strategy", s.handleUpdateStrategy)
	mux.HandleFunc("POST /api/strategy/start", s.action(s.ctrl.Start))
	mux.HandleFunc("POST /api/strategy/stop", s.action(s.ctrl.Stop))
	mux.HandleFunc("POST /api/strategy/pause", s.action(s.ctrl.Pause))
	mux.HandleFunc("POST /api/strategy/resume", s.action(s.ctrl.Resume))
	mux.HandleFunc("POST /api/strategy/emergency-stop", s.handleEmergencyStop)
	mux.HandleFunc("POST /api/session/new", s.action(s.ctrl.NewSession))
	mux.HandleFunc("POST /api/position/{id}/close", s.handleClosePosition)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/cascade", s.handleCascade)
	mux.HandleFunc("GET /api/settings/export", s.handleExport)
	mux.HandleFunc("POST /api/settings/import", s.handleImport)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("operator api listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the route table, used by tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	strat, err := s.ctrl.Strategy(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, strat)
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var strat types.Strategy
	if err := json.NewDecoder(r.Body).Decode(&strat); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.ctrl.CreateStrategy(r.Context(), &strat); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, strat)
}

func (s *Server) handleUpdateStrategy(w http.ResponseWriter, r *http.Request) {
	var strat types.Strategy
	if err := json.NewDecoder(r.Body).Decode(&strat); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.ctrl.UpdateStrategy(r.Context(), &strat); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, strat)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PIN string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.ctrl.EmergencyStop(r.Context(), body.PIN); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid position id"})
		return
	}
	if err := s.ctrl.ClosePosition(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "close submitted"})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ctrl.OpenPositions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleCascade(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.CascadeStatuses())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	blob, err := s.ctrl.ExportSettings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(blob)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	blob, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.ctrl.ImportSettings(r.Context(), blob); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "imported"})
}

// action adapts a bare controller operation to a handler.
func (s *Server) action(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrBadPIN):
		status = http.StatusForbidden
	case errors.Is(err, ErrNoStrategy), errors.Is(err, ErrNoActiveSession):
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}
