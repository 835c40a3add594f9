// Package server exposes health, status and manual renewal endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"presence-indicator/pkg/presence"
	"presence-indicator/subscription"
)

// Lifecycle reports and drives the subscription.
type Lifecycle interface {
	Snapshot() subscription.Status
	EnsureActive(ctx context.Context) error
}

// LastRecord reports the most recently delivered presence.
type LastRecord interface {
	Last() (rec presence.Record, at time.Time, ok bool)
}

// Relay reports whether the push channel is connected.
type Relay interface {
	Connected() bool
}

// Server handles HTTP requests.
type Server struct {
	lifecycle Lifecycle
	last      LastRecord
	relay     Relay
	logger    *slog.Logger
	addr      string
}

// Config holds server configuration.
type Config struct {
	Lifecycle Lifecycle
	Last      LastRecord
	Relay     Relay
	Logger    *slog.Logger
	Addr      string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		lifecycle: cfg.Lifecycle,
		last:      cfg.Last,
		relay:     cfg.Relay,
		logger:    logger,
		addr:      cfg.Addr,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/renewz", s.handleRenew)
	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", s.addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

type lastPresence struct {
	At           time.Time `json:"at"`
	Availability string    `json:"availability"`
	Activity     string    `json:"activity"`
}

type statusResponse struct {
	Last           *lastPresence       `json:"last_presence,omitempty"`
	Subscription   subscription.Status `json:"subscription"`
	RelayConnected bool                `json:"relay_connected"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.lifecycle.Snapshot()
	snap.Subscription.ClientState = ""
	resp := statusResponse{Subscription: snap}
	if s.relay != nil {
		resp.RelayConnected = s.relay.Connected()
	}
	if s.last != nil {
		if rec, at, ok := s.last.Last(); ok {
			resp.Last = &lastPresence{At: at, Availability: rec.Availability, Activity: rec.Activity}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("Failed to write status response", "error", err)
	}
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Renewal endpoint triggered")

	if err := s.lifecycle.EnsureActive(r.Context()); err != nil {
		s.logger.Error("Renewal failed", "error", err)
		http.Error(w, "Renewal failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"completed"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
