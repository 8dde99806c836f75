// Package server exposes the sync WebSocket endpoint and the operator HTTP
// API, and listens for commit notifications to wake live sessions.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jfoltran/tablesync/internal/metrics"
	"github.com/jfoltran/tablesync/internal/progress"
	"github.com/jfoltran/tablesync/internal/session"
)

// ClientLister reads the advisory client registry for the operator API.
type ClientLister interface {
	List(ctx context.Context) ([]progress.ClientInfo, error)
}

// Server is the HTTP server carrying the /sync WebSocket endpoint and the
// operator control routes.
type Server struct {
	sessions  *session.Manager
	clients   ClientLister
	collector *metrics.Collector
	logger    zerolog.Logger

	baseCtx context.Context
	srv     *http.Server
}

// New creates a Server.
func New(sessions *session.Manager, clients ClientLister, collector *metrics.Collector, logger zerolog.Logger) *Server {
	return &Server{
		sessions:  sessions,
		clients:   clients,
		collector: collector,
		logger:    logger.With().Str("component", "http-server").Logger(),
	}
}

// Start begins serving on the given port. It blocks until the context is
// cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	s.baseCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /clients", s.handleClients)
	mux.HandleFunc("POST /new-changes", s.handleNewChanges)
	mux.HandleFunc("POST /sync-stats", s.handleSyncStats)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info().Int("port", port).Msg("starting sync server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.sessions.Shutdown()
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}
