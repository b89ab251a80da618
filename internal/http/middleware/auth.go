// README: Caller identity middleware; trusts the X-User-ID header set by the chat gateway.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"carpool/internal/types"
)

const (
	UserIDHeader = "X-User-ID"
	callerKey    = "caller_id"
)

// Auth rejects requests without a usable X-User-ID. The id is opaque: a chat user id,
// a phone number hash or anything the gateway chooses.
func Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if id == "" || len(id) > 128 || strings.ContainsAny(id, " \t\r\n") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + UserIDHeader})
			return
		}
		c.Set(callerKey, types.ID(id))
		c.Next()
	}
}

// CallerID returns the id stored by Auth, or "" outside an authenticated route.
func CallerID(c *gin.Context) types.ID {
	v, _ := c.Get(callerKey)
	id, _ := v.(types.ID)
	return id
}
