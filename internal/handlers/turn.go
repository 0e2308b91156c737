package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetTURNConfig returns the ICE server list for clients. The embedded TURN
// server also answers STUN, so one host covers both. Plain "turn:" only: the
// relay is UDP and media is protected by DTLS-SRTP anyway.
func (h *Handlers) GetTURNConfig(c *gin.Context) {
	host := c.Request.Host
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}

	creds := h.turnServer.GetCredentials()
	turnURL := fmt.Sprintf("turn:%s:%d", host, h.config.TURNPort)
	stunURL := fmt.Sprintf("stun:%s:%d", host, h.config.TURNPort)

	c.JSON(http.StatusOK, gin.H{
		"iceServers": []map[string]interface{}{
			{"urls": stunURL},
			{
				"urls":       turnURL,
				"username":   creds.Username,
				"credential": creds.Password,
			},
		},
	})
}
