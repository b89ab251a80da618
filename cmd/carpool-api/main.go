// README: Entry point; loads config, wires services, starts the HTTP server and the lifecycle sweeper.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"carpool/internal/app"
	"carpool/internal/config"
	httptransport "carpool/internal/http"
	"carpool/internal/logging"
	"carpool/internal/modules/matching"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("shutdown close failed", "error", err)
		}
	}()

	server := httptransport.NewServer(httptransport.ServerDeps{
		Matching:        a.Service,
		Logger:          logger,
		Location:        a.Location,
		DestinationName: cfg.Destination.Name,
		Addr:            cfg.HTTP.Addr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})
	sweeper := matching.NewSweeper(a.Service, cfg.Lifecycle, a.Locker)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
