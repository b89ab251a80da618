// README: API gateway; owns the gin engine and the net/http server lifecycle.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"carpool/internal/modules/matching"
)

type ServerDeps struct {
	Matching        *matching.Service
	Logger          *slog.Logger
	Location        *time.Location
	DestinationName string
	Addr            string
	ShutdownTimeout time.Duration
}

type Server struct {
	matching        *matching.Service
	logger          *slog.Logger
	loc             *time.Location
	destinationName string
	http            *http.Server
	shutdownTimeout time.Duration
}

func NewServer(deps ServerDeps) *Server {
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	s := &Server{
		matching:        deps.Matching,
		logger:          deps.Logger.With("component", "http"),
		loc:             loc,
		destinationName: deps.DestinationName,
		shutdownTimeout: deps.ShutdownTimeout,
	}
	s.http = &http.Server{
		Addr:              deps.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Routes() *gin.Engine {
	return NewRouter(s.matching, s.loc, s.destinationName, s.logger)
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(shutdownCtx)
}
