package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmedina/waflow/internal/logger"
)

// Server exposes the scrape endpoint on its own listener, separate from the
// webhook ingress so scrapes never compete with provider traffic.
type Server struct {
	config Config
	http   *http.Server
}

// NewServer builds the scrape server for the given metrics.
func NewServer(config Config, m *Metrics) *Server {
	config.ApplyDefaults()

	r := chi.NewRouter()
	r.Method(http.MethodGet, config.Path, promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &Server{
		config: config,
		http: &http.Server{
			Addr:              config.Addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	logger.Info("metrics server listening",
		"addr", s.config.Addr,
		"path", s.config.Path,
	)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
