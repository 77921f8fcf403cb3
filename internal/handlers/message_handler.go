package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/marketlink/messaging-backend/internal/middleware"
	"github.com/marketlink/messaging-backend/internal/models"
	"github.com/marketlink/messaging-backend/internal/service"
)

type MessageHandler struct {
	messages *service.MessageService
}

func NewMessageHandler(messages *service.MessageService) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// Send appends a message to a conversation.
func (h *MessageHandler) Send(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messages.Send(c.Request.Context(), middleware.CallerFrom(c), convID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// SendAssistant appends an automated message on behalf of a trusted internal
// collaborator. Reached only through the internal API-key middleware.
func (h *MessageHandler) SendAssistant(c *gin.Context) {
	var req models.AssistantMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sender := models.Caller{ID: req.SenderID, Role: models.RoleAssistant}
	msg, err := h.messages.Send(c.Request.Context(), sender, req.ConversationID, models.SendMessageRequest{
		Body:        req.Body,
		Attachments: req.Attachments,
		ProductRefs: req.ProductRefs,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// List returns one ascending page of messages; pass after=<sequence> to
// resume.
func (h *MessageHandler) List(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	var after int64
	if raw := c.Query("after"); raw != "" {
		after, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid after sequence"})
			return
		}
	}

	msgs, err := h.messages.ListMessages(c.Request.Context(), middleware.CallerFrom(c), convID, after)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, msgs)
}

// AcknowledgeRead advances the caller's read cursor to the messages present
// right now and zeroes the unread counter accordingly.
func (h *MessageHandler) AcknowledgeRead(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid conversation ID"})
		return
	}

	if err := h.messages.AcknowledgeRead(c.Request.Context(), middleware.CallerFrom(c), convID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Conversation marked as read"})
}
