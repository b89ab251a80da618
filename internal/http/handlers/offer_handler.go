// README: Driver-facing handlers for offers and their matches.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"carpool/internal/http/middleware"
	"carpool/internal/modules/matching"
	"carpool/internal/types"
)

type OfferHandler struct {
	matching *matching.Service
	loc      *time.Location
	logger   *slog.Logger
}

func NewOfferHandler(svc *matching.Service, loc *time.Location, logger *slog.Logger) *OfferHandler {
	return &OfferHandler{matching: svc, loc: loc, logger: logger}
}

type createOfferReq struct {
	Origin    pointReq   `json:"origin" binding:"required"`
	Waypoints []pointReq `json:"waypoints" binding:"dive"`
	DepartAt  string     `json:"depart_at" binding:"required"`
	Seats     int        `json:"seats" binding:"required,min=1,max=8"`
}

type offerResp struct {
	Offer   *matching.Offer   `json:"offer"`
	Matches []*matching.Match `json:"matches"`
}

func (h *OfferHandler) Create(c *gin.Context) {
	var req createOfferReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid offer: "+err.Error())
		return
	}
	departAt, err := parseInstant(req.DepartAt, h.loc)
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	waypoints := make([]types.Point, 0, len(req.Waypoints))
	for _, w := range req.Waypoints {
		waypoints = append(waypoints, w.point())
	}
	o, matches, err := h.matching.CreateOffer(c.Request.Context(), matching.CreateOfferCommand{
		DriverID:     middleware.CallerID(c),
		Origin:       req.Origin.point(),
		Waypoints:    waypoints,
		DepartAt:     departAt,
		SeatCapacity: req.Seats,
	})
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	if matches == nil {
		matches = []*matching.Match{}
	}
	writeJSON(c, http.StatusCreated, offerResp{Offer: o, Matches: matches})
}

func (h *OfferHandler) List(c *gin.Context) {
	offers, err := h.matching.ListOffersFor(c.Request.Context(), middleware.CallerID(c))
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	if offers == nil {
		offers = []*matching.Offer{}
	}
	writeJSON(c, http.StatusOK, gin.H{"offers": offers})
}

func (h *OfferHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	cl, err := h.matching.CancelOffer(c.Request.Context(), id, middleware.CallerID(c))
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"offer":               cl.Offer,
		"released_matches":    len(cl.Released),
		"stranded_passengers": len(cl.Stranded),
	})
}

func (h *OfferHandler) Matches(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	matches, err := h.matching.ListMatchesForOffer(c.Request.Context(), id, middleware.CallerID(c))
	if err != nil {
		writeMatchingError(c, h.logger, err)
		return
	}
	if matches == nil {
		matches = []*matching.Match{}
	}
	writeJSON(c, http.StatusOK, gin.H{"matches": matches})
}
