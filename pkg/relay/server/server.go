// Package server assembles the relay's routes and middleware and exposes
// the hooks the binary needs for a graceful shutdown.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-interview/pkg/relay/config"
	"github.com/vango-go/vai-interview/pkg/relay/handlers"
	"github.com/vango-go/vai-interview/pkg/relay/metrics"
	"github.com/vango-go/vai-interview/pkg/relay/mw"
	"github.com/vango-go/vai-interview/pkg/relay/sessions"
)

const drainMessage = "relay is shutting down; reconnect shortly"

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	tracker *sessions.Tracker
	metrics *metrics.Metrics
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		tracker: sessions.NewTracker(),
		metrics: metrics.New(""),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	relay := handlers.RelayHandler{
		Config:  s.cfg,
		Tracker: s.tracker,
		Metrics: s.metrics,
		Logger:  s.logger,
	}
	s.mux.Handle("/{$}", relay)
	s.mux.Handle("/v1/realtime", relay)
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Tracker: s.tracker})
	s.mux.Handle("/metrics", s.metrics.Handler())
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.AllowedOrigins(), h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness to 503, refuses new relay connections and
// warns the live ones. It returns how many connections were warned.
func (s *Server) SetDraining() int {
	return s.tracker.Drain(handlers.CodeDraining, drainMessage)
}

func (s *Server) Connections() int {
	return s.tracker.Count()
}

func (s *Server) WaitConnections(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

func (s *Server) CancelConnections() int {
	return s.tracker.CancelAll()
}
