package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/marketlink/messaging-backend/internal/middleware"
	"github.com/marketlink/messaging-backend/internal/models"
	"github.com/marketlink/messaging-backend/internal/service"
)

type ConversationHandler struct {
	conversations *service.ConversationService
	tracker       *service.UnreadTracker
}

func NewConversationHandler(conversations *service.ConversationService, tracker *service.UnreadTracker) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, tracker: tracker}
}

// CreateOrGet returns the active conversation for the caller and counterpart
// in the given context, creating it when absent.
func (h *ConversationHandler) CreateOrGet(c *gin.Context) {
	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	counterpartRole, err := models.ParseRole(req.CounterpartRole)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid counterpart role"})
		return
	}

	caller := middleware.CallerFrom(c)
	conv, err := h.conversations.CreateOrGet(c.Request.Context(), caller, counterpartRole, req.CounterpartID, req.ContextRef, req.Subject)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

// List returns the caller's conversations, newest activity first.
func (h *ConversationHandler) List(c *gin.Context) {
	filter := models.ConversationFilter{Query: c.Query("q")}
	if status := c.Query("status"); status != "" {
		if status != string(models.StatusActive) && status != string(models.StatusClosed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status filter"})
			return
		}
		filter.Status = models.ConversationStatus(status)
	}

	caller := middleware.CallerFrom(c)
	convs, err := h.conversations.List(c.Request.Context(), caller, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, convs)
}

// Get returns a single conversation.
func (h *ConversationHandler) Get(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	conv, err := h.conversations.Get(c.Request.Context(), middleware.CallerFrom(c), convID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

// Close marks a conversation closed; its history stays readable.
func (h *ConversationHandler) Close(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	conv, err := h.conversations.Close(c.Request.Context(), middleware.CallerFrom(c), convID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

// AttachObserver attaches the calling admin as moderation observer.
func (h *ConversationHandler) AttachObserver(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	conv, err := h.conversations.AttachObserver(c.Request.Context(), middleware.CallerFrom(c), convID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}

// Unread returns the caller's unread counter for a conversation.
func (h *ConversationHandler) Unread(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	count, err := h.tracker.Count(c.Request.Context(), middleware.CallerFrom(c), convID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation_id": convID, "unread": count})
}

// Recompute rebuilds a conversation's unread counters from the log. Admin
// repair endpoint.
func (h *ConversationHandler) Recompute(c *gin.Context) {
	if middleware.CallerFrom(c).Role != models.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	conv, err := h.tracker.Recompute(c.Request.Context(), convID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, conv)
}
