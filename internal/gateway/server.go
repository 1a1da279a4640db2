// Package gateway exposes the chat relay over HTTP: the NDJSON chat stream,
// out-of-band stream stop, health, metrics, and uploaded image serving.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/chatrelay/internal/agent"
	"github.com/haasonsaas/chatrelay/internal/config"
	"github.com/haasonsaas/chatrelay/internal/sessions"
	"github.com/haasonsaas/chatrelay/pkg/models"
)

// Runner starts one orchestration over a base transcript.
type Runner interface {
	Run(ctx context.Context, sessionID string, base []models.Turn) (<-chan *agent.ResponseChunk, error)
}

// Server is the HTTP front end.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	sessions sessions.Store
	locker   sessions.Locker
	runner   Runner
	streams  *StreamRegistry

	httpServer *http.Server
}

// NewServer wires the HTTP front end.
func NewServer(cfg *config.Config, logger *slog.Logger, store sessions.Store, locker sessions.Locker, runner Runner) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:   cfg,
		logger:   logger,
		sessions: store,
		locker:   locker,
		runner:   runner,
		streams:  NewStreamRegistry(),
	}
}

// Streams exposes the registry, primarily for tests.
func (s *Server) Streams() *StreamRegistry {
	return s.streams
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /api/chat/stop", s.handleChatStop)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/uploads/", http.StripPrefix("/uploads/",
		http.FileServer(http.Dir(s.config.Server.UploadsDir))))

	return mux
}

// Start listens and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer = server

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info("starting http server", "addr", addr)

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
