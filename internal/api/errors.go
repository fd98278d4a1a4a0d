package api

import (
	"errors"
	"net/http"

	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature),
		errors.Is(err, gateway.ErrMalformedNotification),
		errors.Is(err, gateway.ErrUnknownGateway),
		errors.Is(err, service.ErrProductNotFound),
		errors.Is(err, service.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrOrderNotPayable),
		errors.Is(err, service.ErrSessionInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrPaymentSessionFailed),
		errors.Is(err, gateway.ErrConfirmFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(c *gin.Context, message string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("path", c.FullPath()),
			zap.Int("status", code),
			zap.Error(err))
	}
	c.JSON(code, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}
