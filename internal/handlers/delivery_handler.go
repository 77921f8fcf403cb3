package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/marketlink/messaging-backend/internal/middleware"
	"github.com/marketlink/messaging-backend/internal/service"
)

type DeliveryHandler struct {
	gateway *service.DeliveryGateway
}

func NewDeliveryHandler(gateway *service.DeliveryGateway) *DeliveryHandler {
	return &DeliveryHandler{gateway: gateway}
}

// Sync is the poll endpoint: it returns everything that changed for the
// caller since the supplied token and a token to resume from. It never
// blocks; clients call it on a short interval.
func (h *DeliveryHandler) Sync(c *gin.Context) {
	result, err := h.gateway.Poll(c.Request.Context(), middleware.CallerFrom(c), c.Query("since"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
