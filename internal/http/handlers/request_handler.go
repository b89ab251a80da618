// README: Passenger-facing handlers for ride requests.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/modules/matching"
)

type RequestHandler struct {
	matching *matching.Service
	loc      *time.Location
	logger   *slog.Logger
}

func NewRequestHandler(svc *matching.Service, loc *time.Location, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{matching: svc, loc: loc, logger: logger}
}

type createRequestReq struct {
	Origin    pointReq `json:"origin" binding:"required"`
	DesiredAt string   `json:"desired_at" binding:"required"`
}

type requestResp struct {
	Request *matching.Request `json:"request"`
	Match   *matching.Match   `json:"match,omitempty"`
	Message string            `json:"message,omitempty"`
}

// Create answers 201 either way; a request without a match waits for a driver.
func (h *RequestHandler) Create(c *gin.Context) {
	var req createRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	desiredAt, err := parseInstant(req.DesiredAt, h.loc)
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	r, m, err := h.matching.CreateRequest(c.Request.Context(), matching.CreateRequestCommand{
		PassengerID: middleware.CallerID(c),
		Origin:      req.Origin.point(),
		DesiredAt:   desiredAt,
	})
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	resp := requestResp{Request: r, Match: m}
	if m == nil {
		resp.Message = msgNoMatch
	}
	writeJSON(c, http.StatusCreated, resp)
}

func (h *RequestHandler) List(c *gin.Context) {
	reqs, err := h.matching.ListRequestsFor(c.Request.Context(), middleware.CallerID(c))
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	if reqs == nil {
		reqs = []*matching.Request{}
	}
	writeJSON(c, http.StatusOK, gin.H{"requests": reqs})
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	cl, err := h.matching.CancelRequest(c.Request.Context(), id, middleware.CallerID(c))
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"request": cl.Request})
}

func (h *RequestHandler) Matches(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	matches, err := h.matching.ListMatchesForRequest(c.Request.Context(), id, middleware.CallerID(c))
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	if matches == nil {
		matches = []*matching.Match{}
	}
	writeJSON(c, http.StatusOK, gin.H{"matches": matches})
}
