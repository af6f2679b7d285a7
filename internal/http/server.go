package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/play-review-bridge/internal/config"
)

// Listener is the part of *http.Server the supervised service drives.
type Listener interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// Server runs the ops HTTP server under the bridge supervisor.
type Server struct {
	srv             Listener
	shutdownTimeout time.Duration
	log             zerolog.Logger
}

// NewServer builds an *http.Server from cfg and wraps it for supervision.
func NewServer(cfg config.ServerConfig, handler http.Handler, shutdownTimeout time.Duration, log zerolog.Logger) *Server {
	return newServer(&http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}, shutdownTimeout, log)
}

func newServer(l Listener, shutdownTimeout time.Duration, log zerolog.Logger) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Server{srv: l, shutdownTimeout: shutdownTimeout, log: log}
}

// Serve listens until ctx is cancelled, then shuts down gracefully. A
// listener failure is returned so the supervisor restarts the service.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if hs, ok := s.srv.(*http.Server); ok {
		s.log.Info().Str("addr", hs.Addr).Msg("http server listening")
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("http server shutdown")
	}
	<-errCh
	return ctx.Err()
}

func (s *Server) String() string { return "http-server" }
