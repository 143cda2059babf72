package usage

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"billing-core/internal/auth"
	"billing-core/internal/rbac"
	"billing-core/pkg/logger"
)

const headerEstimatedCost = "X-Estimated-Cost"

// CallGate is the part of Validator the call middleware needs.
type CallGate interface {
	CanAffordCall(ctx context.Context, userID string, estimatedCost decimal.Decimal) (CallDecision, error)
	EstimatedCallCost() decimal.Decimal
}

// RequireCallAllowance blocks call placement the user cannot pay for.
//
// The estimate is the larger of the catalog estimate and the optional
// X-Estimated-Cost header. Admins bypass the check.
func RequireCallAllowance(gate CallGate) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsAdmin(role) {
			c.Next()
			return
		}

		userID, err := auth.UserID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user id required"})
			return
		}

		estimate := gate.EstimatedCallCost()
		if raw := strings.TrimSpace(c.GetHeader(headerEstimatedCost)); raw != "" {
			est, err := decimal.NewFromString(raw)
			if err != nil || est.IsNegative() {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "estimated cost invalid"})
				return
			}
			if est.GreaterThan(estimate) {
				estimate = est
			}
		}

		decision, err := gate.CanAffordCall(c.Request.Context(), userID, estimate)
		if err != nil {
			logger.FromGin(c).Error("call allowance check failed", zap.String("user_id", userID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "allowance lookup failed"})
			return
		}
		if !decision.Allowed {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient quota or credits", "reason": decision.Reason})
			return
		}
		c.Set("call_funding", string(decision.Funding))
		c.Next()
	}
}
