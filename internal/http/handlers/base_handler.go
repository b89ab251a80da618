// README: Base handler utilities (JSON helpers, time parsing, error mapping).
package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"carpool/internal/modules/matching"
	"carpool/internal/types"
)

const (
	msgNoMatch       = "no match yet"
	msgNoLongerValid = "action no longer possible"
)

type errorResponse struct {
	Error string `json:"error"`
}

type pointReq struct {
	Lat *float64 `json:"lat" binding:"required"`
	Lng *float64 `json:"lng" binding:"required"`
}

func (p pointReq) point() types.Point {
	return types.Point{Lat: *p.Lat, Lng: *p.Lng}
}

// isValidID accepts the uuid ids the store generates.
func isValidID(v string) bool {
	if v == "" || len(v) > 36 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') || c == '-' {
			continue
		}
		return false
	}
	return true
}

// pathID reads :id, writing a 400 when it is malformed.
func pathID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return types.ID(id), true
}

var localLayouts = []string{"2006-01-02 15:04", "2006-01-02T15:04", "02.01.2006 15:04"}

// parseInstant accepts RFC 3339 or a wall-clock time in the destination's zone.
func parseInstant(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q: %w", v, matching.ErrBadRequest)
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeMatchingError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, matching.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, matching.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, matching.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, matching.ErrNoCandidate):
		writeError(c, http.StatusNotFound, msgNoMatch)
	case errors.Is(err, matching.ErrStateConflict):
		writeError(c, http.StatusConflict, msgNoLongerValid)
	default:
		logger.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
