// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carpool/internal/http/handlers"
	"carpool/internal/http/middleware"
	"carpool/internal/modules/matching"
)

func NewRouter(
	matchingService *matching.Service,
	loc *time.Location,
	destinationName string,
	logger *slog.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.Logging(logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	startHandler := handlers.NewStartHandler(destinationName)
	r.GET("/api/start", startHandler.Start)

	api := r.Group("/api", middleware.Auth())

	offerHandler := handlers.NewOfferHandler(matchingService, loc, logger)
	api.POST("/offers", offerHandler.Create)
	api.GET("/offers", offerHandler.List)
	api.POST("/offers/:id/cancel", offerHandler.Cancel)
	api.GET("/offers/:id/matches", offerHandler.Matches)

	requestHandler := handlers.NewRequestHandler(matchingService, loc, logger)
	api.POST("/requests", requestHandler.Create)
	api.GET("/requests", requestHandler.List)
	api.POST("/requests/:id/cancel", requestHandler.Cancel)
	api.GET("/requests/:id/matches", requestHandler.Matches)

	matchHandler := handlers.NewMatchHandler(matchingService, logger)
	api.GET("/matches/:id", matchHandler.Get)
	api.POST("/matches/:id/approve", matchHandler.Approve)
	api.POST("/matches/:id/reject", matchHandler.Reject)

	return r
}
