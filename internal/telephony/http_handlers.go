package telephony

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"billing-core/internal/calls"
	"billing-core/internal/fault"
	"billing-core/internal/webhookguard"
	"billing-core/pkg/logger"
)

const headerVapiSecret = "X-Vapi-Secret"

// EventHandler applies normalized call events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev calls.Event) (calls.HandleResult, error)
}

// WebhookHandler converts provider deliveries to calls.Event and delegates to
// the call reconciler. No business logic here.
type WebhookHandler struct {
	Provider Provider
	Events   EventHandler
	// Secret is compared against the X-Vapi-Secret header; empty disables the check.
	Secret string
	Guard  *webhookguard.Guard
}

// DeliveryKey identifies deliveries that can be acknowledged without work on
// replay. Only final reports qualify; other messages are cheap and ordered.
func DeliveryKey(ev calls.Event) string {
	if ev.Kind != calls.EventEndOfCall || ev.ExternalCallID == "" {
		return ""
	}
	return "call:" + ev.ExternalCallID + ":" + string(ev.Kind)
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Provider == nil || h.Events == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "voice provider not configured"})
		return
	}
	if h.Secret != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader(headerVapiSecret)), []byte(h.Secret)) != 1 {
		log.Warn("call webhook rejected: bad secret")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	ev, err := h.Provider.ParseWebhook(raw)
	if err != nil {
		log.Warn("call webhook parse failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	key := DeliveryKey(ev)
	if h.Guard.Seen(ctx, key) {
		c.JSON(http.StatusOK, gin.H{"success": true, "duplicate": true})
		return
	}

	res, err := h.Events.HandleEvent(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, fault.ErrNotFound):
		// Unknown calls are acknowledged so the provider stops redelivering.
		log.Warn("call webhook for unknown call",
			zap.String("event", string(ev.Kind)),
			zap.String("external_call_id", ev.ExternalCallID),
			zap.String("correlation_id", ev.CorrelationID))
		c.JSON(http.StatusOK, gin.H{"success": false, "error": "call not found"})
		return
	case errors.Is(err, fault.ErrValidation):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		log.Error("call webhook processing failed", zap.String("event", string(ev.Kind)), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	if res.Settled || (res.Call != nil && res.Call.Terminal()) {
		h.Guard.Remember(ctx, key)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "changed": res.Changed, "settled": res.Settled, "ignored": res.Ignored})
}
