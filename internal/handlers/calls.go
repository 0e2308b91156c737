package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"

	"github.com/tariel-x/callbridge/internal/models"
	"github.com/tariel-x/callbridge/internal/signaling"
)

const callIDLength = 16

type CreateCallRequest struct {
	ReceiverID string          `json:"receiver_id" binding:"required"`
	Type       models.CallType `json:"type" binding:"required"`
	ChatID     string          `json:"chat_id,omitempty"`
}

// CreateCall places a call on behalf of the authenticated user: block-list
// check first, then the shared ringing record, then the push wake-up. A
// blocked caller gets a 403 with no hint of which side placed the block.
func (h *Handlers) CreateCall(c *gin.Context) {
	callerID := c.GetString("user_id")

	var req CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type != models.CallTypeVoice && req.Type != models.CallTypeVideo {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be voice or video"})
		return
	}

	allowed, err := h.policy.CanCommunicate(c.Request.Context(), callerID, req.ReceiverID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "Cannot call this user"})
		return
	}

	var caller, receiver models.User
	if err := h.db.First(&caller, "id = ?", callerID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unknown caller"})
		return
	}
	if err := h.db.First(&receiver, "id = ?", req.ReceiverID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Receiver not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	callID, err := gonanoid.New(callIDLength)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create call"})
		return
	}

	call := models.Call{
		ID:             callID,
		CallerID:       caller.ID,
		CallerName:     caller.Username,
		CallerAvatar:   caller.Avatar,
		ReceiverID:     receiver.ID,
		ReceiverName:   receiver.Username,
		ReceiverAvatar: receiver.Avatar,
		Type:           req.Type,
		Status:         models.CallStatusRinging,
		StartTime:      h.nowFn(),
		ChatID:         req.ChatID,
	}
	if err := h.store.CreateCall(c.Request.Context(), &call); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create call"})
		return
	}

	// Both participants get their history row here, so a receiver whose
	// device never wakes up still sees the missed call later.
	h.logBothSides(c.Request.Context(), &call)

	h.notifyIncoming(&call)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.push.SendCallNotification(ctx, receiver.ID, caller.Username, call.Type, call.ChatID, caller.ID); err != nil {
			h.logger.Warn("call notification", "call_id", call.ID, "error", err)
		}
	}()

	c.JSON(http.StatusCreated, call)
}

func (h *Handlers) GetCall(c *gin.Context) {
	call, ok := h.loadCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, call)
}

// AnswerCall moves the shared record to connecting. Only the receiver may
// answer; answering an already-terminal call is a 409.
func (h *Handlers) AnswerCall(c *gin.Context) {
	call, ok := h.loadCall(c)
	if !ok {
		return
	}
	if c.GetString("user_id") != call.ReceiverID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the receiver can answer"})
		return
	}
	if call.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "Call already over"})
		return
	}

	updated, _, err := h.store.SetStatus(c.Request.Context(), call.ID, models.CallStatusConnecting, nil, nil)
	if err != nil {
		h.writeStatusError(c, err)
		return
	}
	h.logBothSides(c.Request.Context(), updated)
	h.broadcastCallState(updated)
	c.JSON(http.StatusOK, updated)
}

// DeclineCall records declined. No duration: the call never connected.
func (h *Handlers) DeclineCall(c *gin.Context) {
	call, ok := h.loadCall(c)
	if !ok {
		return
	}
	if c.GetString("user_id") != call.ReceiverID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the receiver can decline"})
		return
	}

	now := h.nowFn()
	updated, _, err := h.store.SetStatus(c.Request.Context(), call.ID, models.CallStatusDeclined, &now, nil)
	if err != nil {
		h.writeStatusError(c, err)
		return
	}
	h.finishCall(c.Request.Context(), updated)
	c.JSON(http.StatusOK, updated)
}

// EndCall records ended and cleans the signaling data up. Ending an already
// terminal call is a no-op that reports the stored state.
func (h *Handlers) EndCall(c *gin.Context) {
	call, ok := h.loadCall(c)
	if !ok {
		return
	}
	userID := c.GetString("user_id")
	if userID != call.CallerID && userID != call.ReceiverID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant"})
		return
	}

	now := h.nowFn()
	var duration *int
	if call.Status == models.CallStatusConnecting || call.Status == models.CallStatusConnected {
		seconds := int(now.Sub(call.StartTime).Seconds())
		duration = &seconds
	}

	updated, _, err := h.store.SetStatus(c.Request.Context(), call.ID, models.CallStatusEnded, &now, duration)
	if err != nil {
		h.writeStatusError(c, err)
		return
	}
	h.finishCall(c.Request.Context(), updated)
	c.JSON(http.StatusOK, updated)
}

// GetCallHistory returns the authenticated user's call log, newest first.
func (h *Handlers) GetCallHistory(c *gin.Context) {
	userID := c.GetString("user_id")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	rows, err := h.history.GetCallHistory(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": rows})
}

func (h *Handlers) loadCall(c *gin.Context) (*models.Call, bool) {
	call, err := h.store.GetCall(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		if errors.Is(err, signaling.ErrCallNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return nil, false
	}
	return call, true
}

func (h *Handlers) writeStatusError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, signaling.ErrCallNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
	case errors.Is(err, signaling.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "Illegal call state transition"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
	}
}

// finishCall runs the shared post-terminal cleanup: signaling data removal,
// history rows and a state broadcast to connected sockets.
func (h *Handlers) finishCall(ctx context.Context, call *models.Call) {
	if err := h.store.DeleteSignalingData(ctx, call.ID); err != nil {
		h.logger.Warn("delete signaling data", "call_id", call.ID, "error", err)
	}
	h.logBothSides(ctx, call)
	h.broadcastCallState(call)
}

func (h *Handlers) logBothSides(ctx context.Context, call *models.Call) {
	for _, owner := range []string{call.CallerID, call.ReceiverID} {
		if err := h.history.LogCall(ctx, owner, call); err != nil {
			h.logger.Warn("log call history", "call_id", call.ID, "owner_id", owner, "error", err)
		}
	}
}
