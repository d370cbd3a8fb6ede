// Package api implements the operator-facing admin REST API: health,
// authentication, session inspection and reset, and dead letter triage.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/ratelimit"
	"github.com/rmedina/waflow/pkg/session/store"
)

// Replayer re-runs a parked webhook payload. The webhook ingress satisfies
// it.
type Replayer interface {
	Replay(ctx context.Context, raw []byte) error
}

// RateLimitInspector reports an identity's current rate-limit standing. The
// ratelimit.Limiter satisfies it.
type RateLimitInspector interface {
	Status(identity string) ratelimit.Status
}

// Server is the admin API HTTP server.
type Server struct {
	config   Config
	store    store.Store
	registry *flow.Registry
	replayer Replayer
	limits   RateLimitInspector
	tokens   *tokenService
	http     *http.Server
}

// NewServer builds the server. replayer may be nil; dead letter retry then
// answers 501.
func NewServer(config Config, st store.Store, registry *flow.Registry, replayer Replayer) (*Server, error) {
	config.ApplyDefaults()

	tokens, err := newTokenService(config.Secret(), config.JWT.TokenDuration)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:   config,
		store:    st,
		registry: registry,
		replayer: replayer,
		tokens:   tokens,
	}
	s.http = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s, nil
}

// SetLimiter wires the rate-limit status endpoint. Without it the endpoint
// answers 501.
func (s *Server) SetLimiter(limits RateLimitInspector) {
	s.limits = limits
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Post("/api/v1/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/api/v1/flows", s.handleListFlows)
		r.Get("/api/v1/sessions/{identity}", s.handleGetSession)
		r.Post("/api/v1/sessions/{identity}/reset", s.handleResetSession)
		r.Get("/api/v1/ratelimit/{identity}", s.handleRateLimitStatus)
		r.Get("/api/v1/deadletters", s.handleListDeadLetters)
		r.Post("/api/v1/deadletters/{id}/retry", s.handleRetryDeadLetter)
		r.Delete("/api/v1/deadletters/{id}", s.handleDeleteDeadLetter)
	})

	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	logger.Info("admin api listening", "addr", s.config.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ============================================================================
// Response helpers
// ============================================================================

// Response is the standard envelope for every API reply.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}); err != nil {
		logger.Warn("failed to encode api response", logger.Err(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Status:    "error",
		Timestamp: time.Now().UTC(),
		Error:     msg,
	})
}
