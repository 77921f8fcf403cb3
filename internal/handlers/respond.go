package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/marketlink/messaging-backend/internal/service"
	"github.com/marketlink/messaging-backend/internal/store"
)

// respondError maps the error taxonomy onto HTTP statuses with actionable
// messages. Transient store failures have already been retried by the service
// layer when they reach this point.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidParticipants):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid participant combination"})
	case errors.Is(err, service.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message cannot be empty"})
	case errors.Is(err, service.ErrInvalidAttachment):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid attachment"})
	case errors.Is(err, service.ErrForbidden), errors.Is(err, store.ErrObserverTaken):
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
	case errors.Is(err, service.ErrNotAParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this conversation"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
	case errors.Is(err, store.ErrConversationClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "Conversation is closed"})
	case errors.Is(err, store.ErrTransient):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Temporary failure, please retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
