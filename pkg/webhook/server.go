// Package webhook exposes the HTTP ingress for the messaging provider and
// the pipeline that turns verified payloads into flow dispatches.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rmedina/waflow/internal/logger"
)

const maxBodyBytes = 1 << 20

// Config controls the webhook HTTP surface.
type Config struct {
	// Addr is the listen address. Default: :8080.
	Addr string `mapstructure:"addr" yaml:"addr"`

	// Path is the webhook route. Default: /webhook.
	Path string `mapstructure:"path" yaml:"path"`

	// VerifyToken answers the provider's GET subscription handshake.
	VerifyToken string `mapstructure:"verify_token" yaml:"verify_token"`

	// AppSecret signs inbound payloads (HMAC-SHA256).
	AppSecret string `mapstructure:"app_secret" yaml:"app_secret"`

	// SkipSignatureValidation disables the HMAC check. Only honored outside
	// production.
	SkipSignatureValidation bool `mapstructure:"skip_signature_validation" yaml:"skip_signature_validation"`

	// Environment gates signature enforcement: "production" rejects bad
	// signatures with 401, anything else logs and continues.
	Environment string `mapstructure:"environment" yaml:"environment"`

	// RequestTimeout is the per-message processing budget. Default: 10s.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// User-facing notices.
	RateLimitNotice string `mapstructure:"rate_limit_notice" yaml:"rate_limit_notice"`
	BusyNotice      string `mapstructure:"busy_notice" yaml:"busy_notice"`
	FallbackText    string `mapstructure:"fallback_text" yaml:"fallback_text"`
	AudioNotice     string `mapstructure:"audio_notice" yaml:"audio_notice"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/webhook"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RateLimitNotice == "" {
		c.RateLimitNotice = "Estás enviando mensajes muy rápido. Espera un momento e intenta de nuevo."
	}
	if c.BusyNotice == "" {
		c.BusyNotice = "Estoy procesando muchas solicitudes. Intenta de nuevo en unos segundos."
	}
	if c.FallbackText == "" {
		c.FallbackText = "No entendí tu mensaje. Escribe *hola* para ver el menú."
	}
	if c.AudioNotice == "" {
		c.AudioNotice = "Por ahora no puedo procesar notas de voz. Escríbeme por texto, por favor."
	}
}

// Validate checks that the configuration can go live.
func (c *Config) Validate() error {
	if c.VerifyToken == "" {
		return errors.New("webhook verify_token is required")
	}
	if c.Environment == "production" && c.AppSecret == "" {
		return errors.New("webhook app_secret is required in production")
	}
	return nil
}

// Server is the provider-facing HTTP listener.
type Server struct {
	config  Config
	ingress *Ingress
	http    *http.Server
}

// NewServer wires the router around the ingress pipeline.
func NewServer(config Config, ingress *Ingress) *Server {
	config.ApplyDefaults()
	s := &Server{config: config, ingress: ingress}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get(config.Path, s.handleVerify)
	r.Post(config.Path, s.handleEvent)
	r.Get("/health", s.handleHealth)

	s.http = &http.Server{
		Addr:              config.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	logger.Info("webhook server listening",
		"addr", s.config.Addr,
		"path", s.config.Path,
		"environment", s.config.Environment,
	)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleVerify answers the provider's subscription handshake: echo the
// challenge when the verify token matches, 403 otherwise.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == s.config.VerifyToken {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, q.Get("hub.challenge"))
		return
	}
	logger.Warn("webhook verification rejected", "mode", q.Get("hub.mode"))
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// handleEvent is the POST ingress. After the signature check passes, the
// response is always 200 so the provider never retries a payload the
// pipeline has claimed.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		logger.Warn("failed to read webhook body", logger.Err(err))
		w.WriteHeader(http.StatusOK)
		return
	}

	if !s.verifySignature(w, r, body) {
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.Warn("malformed webhook payload dropped", logger.Err(err))
		w.WriteHeader(http.StatusOK)
		return
	}
	if payload.Object != "whatsapp_business_account" {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.ingress.Process(r.Context(), &payload, body)
	w.WriteHeader(http.StatusOK)
}

// verifySignature enforces the HMAC contract. Returns false when it already
// wrote the response.
func (s *Server) verifySignature(w http.ResponseWriter, r *http.Request, body []byte) bool {
	production := s.config.Environment == "production"
	if s.config.SkipSignatureValidation && !production {
		return true
	}

	if ValidSignature(s.config.AppSecret, body, r.Header.Get(signatureHeader)) {
		return true
	}

	if production {
		logger.Warn("webhook signature mismatch rejected", "remote_addr", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	logger.Warn("webhook signature mismatch ignored outside production")
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}
