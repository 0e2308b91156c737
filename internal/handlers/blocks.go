package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tariel-x/callbridge/internal/policy"
)

type BlockRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (h *Handlers) BlockUser(c *gin.Context) {
	userID := c.GetString("user_id")

	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.policy.Block(c.Request.Context(), userID, req.UserID); err != nil {
		if errors.Is(err, policy.ErrSelfBlock) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot block yourself"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Blocked"})
}

func (h *Handlers) UnblockUser(c *gin.Context) {
	userID := c.GetString("user_id")

	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.policy.Unblock(c.Request.Context(), userID, req.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Unblocked"})
}

func (h *Handlers) ListBlockedUsers(c *gin.Context) {
	userID := c.GetString("user_id")

	rows, err := h.policy.Blocked(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": rows})
}
