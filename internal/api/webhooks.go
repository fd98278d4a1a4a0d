package api

import (
	"io"
	"net/http"

	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

func (h *Handler) stripeWebhook(c *gin.Context) {
	h.ingest(c, models.GatewayStripe)
}

func (h *Handler) mercadoPagoWebhook(c *gin.Context) {
	h.ingest(c, models.GatewayMercadoPago)
}

// ingest hands the raw notification to the ingestor. The body is read unparsed
// because signatures cover the exact bytes.
func (h *Handler) ingest(c *gin.Context, name models.Gateway) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body", "details": err.Error()})
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Payload too large"})
		return
	}

	res, err := h.notifications.Ingest(c.Request.Context(), name, &gateway.Notification{
		Body:   body,
		Header: c.Request.Header,
		Query:  c.Request.URL.Query(),
	})
	if err != nil {
		h.writeError(c, "Notification rejected", err)
		return
	}

	resp := gin.H{"received": true}
	switch {
	case res.Ignored:
		resp["result"] = "ignored"
	case res.Discarded:
		resp["result"] = "unknown_order"
	case res.Queued:
		resp["result"] = "queued"
	case res.Outcome != nil:
		resp["result"] = "applied"
		resp["order_id"] = res.Outcome.OrderID
		resp["status"] = res.Outcome.Current
	}
	c.JSON(http.StatusOK, resp)
}
