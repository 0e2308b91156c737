package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type clientConfigResponse struct {
	Domain      string `json:"domain"`
	PushEnabled bool   `json:"push_enabled"`
	VAPIDPublic string `json:"vapid_public_key,omitempty"`
	TURNPort    int    `json:"turn_port"`
}

// GetClientConfig hands a client everything it needs to bootstrap.
func (h *Handlers) GetClientConfig(c *gin.Context) {
	resp := clientConfigResponse{
		Domain:   h.config.Domain,
		TURNPort: h.config.TURNPort,
	}
	if h.push != nil {
		resp.PushEnabled = true
		resp.VAPIDPublic = h.push.PublicKey()
	}
	c.JSON(http.StatusOK, resp)
}
