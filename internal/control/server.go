// Package control provides the splicer's optional control-plane HTTP
// surface: GET /v1/status, PATCH /v1/privacy, POST /v1/source. It sets
// the Orchestrator's privacy flag and source override (both atomics) and
// reports Monitor diagnostics, per Design Note 9 ("a separate collaborator
// that mutates two atomic booleans"). See SPEC_FULL.md §6.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/avswitch/splicer/internal/splice"
)

// requestIDHeader is the header a caller can set to propagate its own
// correlation ID, echoed back on the response.
const requestIDHeader = "X-Request-ID"

// Config holds HTTP server configuration, following the teacher's
// Host/Port/timeout composition.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults for the control surface.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            9090,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Orchestrator is the minimal surface the control server needs: it reads
// status and mutates the two atomic overrides the Orchestrator consults
// at its decision points. Satisfied by *splice.Orchestrator.
type Orchestrator interface {
	ActiveSource() string
	Privacy() bool
	SetPrivacy(bool)
	SourceOverride() string
	SetSourceOverride(string)
}

// Server is the control-plane HTTP server. Intentionally thin: no
// persistence, no auth beyond what Config eventually supplies, since the
// splicing core scopes authentication and multi-tenancy out.
type Server struct {
	cfg          Config
	logger       *slog.Logger
	orchestrator Orchestrator
	monitor      *splice.Monitor
	router       *chi.Mux
	httpServer   *http.Server
}

// NewServer constructs a Server bound to orchestrator and (optionally)
// monitor for status reporting.
func NewServer(cfg Config, orchestrator Orchestrator, monitor *splice.Monitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger, orchestrator: orchestrator, monitor: monitor}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.logRequests)
	r.Get("/v1/status", s.handleStatus)
	r.Patch("/v1/privacy", s.handlePrivacy)
	r.Post("/v1/source", s.handleSource)
	s.router = r

	return s
}

// requestID assigns each inbound request a correlation ID, reusing one the
// caller already supplied, matching the teacher's request-ID middleware.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("control request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Duration("elapsed", time.Since(start)))
	})
}

// Start begins serving in the background. Call Shutdown to stop cleanly.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	ln, err := newListener(s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("control: listening on %s: %w", s.httpServer.Addr, err)
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control server exited", slog.Any("error", err))
		}
	}()
	s.logger.Info("control server listening", slog.String("addr", s.httpServer.Addr))
	return nil
}

// Shutdown gracefully stops the server, bounded by cfg.ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	ActiveSource   string          `json:"active_source"`
	Privacy        bool            `json:"privacy"`
	SourceOverride string          `json:"source_override,omitempty"`
	Monitor        *splice.Snapshot `json:"monitor,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		ActiveSource:   s.orchestrator.ActiveSource(),
		Privacy:        s.orchestrator.Privacy(),
		SourceOverride: s.orchestrator.SourceOverride(),
	}
	if s.monitor != nil {
		snap := s.monitor.Snapshot(r.Context())
		resp.Monitor = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

type privacyRequest struct {
	Privacy bool `json:"privacy"`
}

func (s *Server) handlePrivacy(w http.ResponseWriter, r *http.Request) {
	var req privacyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.orchestrator.SetPrivacy(req.Privacy)
	s.logger.Info("privacy override set", slog.Bool("privacy", req.Privacy))
	writeJSON(w, http.StatusOK, map[string]bool{"privacy": req.Privacy})
}

type sourceRequest struct {
	// Source is "primary", "fallback", or "" to clear the override.
	Source string `json:"source"`
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch req.Source {
	case "primary", "fallback", "":
	default:
		http.Error(w, "source must be primary, fallback, or empty", http.StatusBadRequest)
		return
	}
	s.orchestrator.SetSourceOverride(req.Source)
	s.logger.Info("source override set", slog.String("source", req.Source))
	writeJSON(w, http.StatusOK, map[string]string{"source_override": req.Source})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
