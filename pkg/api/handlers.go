package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/pkg/retry"
	"github.com/rmedina/waflow/pkg/session"
	"github.com/rmedina/waflow/pkg/session/store"
)

// LoginRequest is the body for POST /api/v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the issued bearer token.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username != s.config.AdminUsername ||
		bcrypt.CompareHashAndPassword([]byte(s.config.AdminPasswordHash), []byte(req.Password)) != nil {
		logger.Warn("admin login rejected", "username", req.Username)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.tokens.generate(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
	})
}

// handleHealth is liveness: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady is readiness: the session store must answer.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Healthcheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"store": "ok"})
}

func (s *Server) handleListFlows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"flows": s.registry.Flows()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	sess, err := s.store.LoadFresh(r.Context(), identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleResetSession forces a session back to INICIO, retrying version
// conflicts against live traffic.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	err := retry.WithSession(r.Context(), s.store, identity, func(fresh *session.Session) error {
		return s.store.Commit(r.Context(), store.CommitRequest{
			Identity:        identity,
			NewState:        session.StateInicio,
			Origin:          "admin_api",
			Reason:          "manual_reset",
			ExpectedVersion: fresh.Version,
		})
	}, retry.Options{})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	logger.Info("session reset by operator", logger.Identity(identity))
	writeJSON(w, http.StatusOK, map[string]string{"identity": identity, "state": session.StateInicio})
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if s.limits == nil {
		writeError(w, http.StatusNotImplemented, "rate limiter is not wired on this instance")
		return
	}
	writeJSON(w, http.StatusOK, s.limits.Status(chi.URLParam(r, "identity")))
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	letters, err := s.store.ListDeadLetters(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters, "count": len(letters)})
}

// handleRetryDeadLetter replays the parked payload. Success deletes the
// record; failure marks it failed and keeps it for inspection.
func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.replayer == nil {
		writeError(w, http.StatusNotImplemented, "replay is not wired on this instance")
		return
	}

	id := chi.URLParam(r, "id")
	letter, err := s.store.GetDeadLetter(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrDeadLetterNotFound) {
			writeError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.replayer.Replay(r.Context(), []byte(letter.Payload)); err != nil {
		if markErr := s.store.MarkDeadLetter(r.Context(), id, session.DeadLetterFailed); markErr != nil {
			logger.Warn("failed to mark dead letter", logger.Err(markErr))
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.store.DeleteDeadLetter(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("dead letter replayed", "dead_letter_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "result": "replayed"})
}

func (s *Server) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrDeadLetterNotFound) {
			writeError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "result": "deleted"})
}
