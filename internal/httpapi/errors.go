package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"billing-core/internal/calls"
	"billing-core/internal/fault"
	"billing-core/internal/usage"
	"billing-core/pkg/logger"
)

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, calls.ErrTooManyCalls):
		return http.StatusTooManyRequests
	case errors.Is(err, fault.ErrDenied):
		return http.StatusPaymentRequired
	case errors.Is(err, fault.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, fault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrDuplicate), errors.Is(err, fault.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, fault.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the mapped status. Server-side failures hide their
// cause from the client; invariant violations are also recorded as incidents.
func (h Handlers) writeError(c *gin.Context, subjectUserID, reference string, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if reason, ok := usage.DenialReason(err); ok {
		body["reason"] = reason
	}

	log := logger.FromGin(c)
	switch {
	case errors.Is(err, fault.ErrInvariant):
		h.Audit.LogIncident(c.Request.Context(), subjectUserID, reference, err)
		body["error"] = "internal error"
	case status == http.StatusBadGateway:
		log.Warn("provider failure", zap.String("user_id", subjectUserID), zap.Error(err))
		body["error"] = "payment or call provider unavailable, retry later"
	case status >= http.StatusInternalServerError:
		log.Error("request failed", zap.String("user_id", subjectUserID), zap.Error(err))
		body["error"] = "internal error"
	default:
		log.Info("request rejected", zap.Int("status", status), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}
