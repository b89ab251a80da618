// README: Match lookup and the driver's approve/reject actions.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/modules/matching"
)

type MatchHandler struct {
	matching *matching.Service
	logger   *slog.Logger
}

func NewMatchHandler(svc *matching.Service, logger *slog.Logger) *MatchHandler {
	return &MatchHandler{matching: svc, logger: logger}
}

func (h *MatchHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	m, err := h.matching.GetMatch(c.Request.Context(), id, middleware.CallerID(c))
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, m)
}

func (h *MatchHandler) Approve(c *gin.Context) {
	h.resolve(c, matching.DecisionApprove)
}

func (h *MatchHandler) Reject(c *gin.Context) {
	h.resolve(c, matching.DecisionReject)
}

func (h *MatchHandler) resolve(c *gin.Context, d matching.Decision) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	m, err := h.matching.ResolveMatch(c.Request.Context(), matching.ResolveCommand{
		MatchID:  id,
		DriverID: middleware.CallerID(c),
		Decision: d,
	})
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, m)
}
