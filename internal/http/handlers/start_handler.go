// README: Role onboarding text for chat front-ends.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

type StartHandler struct {
	destination string
}

func NewStartHandler(destination string) *StartHandler {
	return &StartHandler{destination: destination}
}

type roleGuide struct {
	Role  string   `json:"role"`
	Steps []string `json:"steps"`
}

// Start describes both roles, or only the one named by ?role=driver|passenger.
func (h *StartHandler) Start(c *gin.Context) {
	guides := map[string]roleGuide{
		"driver": {Role: "driver", Steps: []string{
			fmt.Sprintf("Share where you start and when you leave for %s.", h.destination),
			"Say how many seats you have and any stops on the way.",
			"Approve or reject each passenger we propose; contacts are exchanged on approval.",
		}},
		"passenger": {Role: "passenger", Steps: []string{
			"Share your pickup point.",
			fmt.Sprintf("Say when you want to be at %s.", h.destination),
			"Wait for a driver to approve; you will get their contact.",
		}},
	}
	role := c.Query("role")
	if role == "" {
		writeJSON(c, http.StatusOK, gin.H{
			"destination": h.destination,
			"roles":       []roleGuide{guides["driver"], guides["passenger"]},
		})
		return
	}
	g, ok := guides[role]
	if !ok {
		writeError(c, http.StatusBadRequest, "role must be driver or passenger")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"destination": h.destination, "roles": []roleGuide{g}})
}
