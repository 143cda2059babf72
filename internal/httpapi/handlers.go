package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"billing-core/internal/audit"
	"billing-core/internal/auth"
	"billing-core/internal/calls"
	"billing-core/internal/fault"
	"billing-core/internal/ledger"
	"billing-core/internal/payments"
	"billing-core/internal/reporting"
	"billing-core/internal/scheduler"
	"billing-core/internal/usage"
	"billing-core/internal/webhookguard"
	"billing-core/pkg/logger"
)

type UsageService interface {
	CanCreateAssistant(ctx context.Context, userID string) (usage.AssistantDecision, error)
	CanAffordCall(ctx context.Context, userID string, estimatedCost decimal.Decimal) (usage.CallDecision, error)
	EstimatedCallCost() decimal.Decimal
	Account(ctx context.Context, userID string) (usage.AccountView, error)
	GetUpgradeOptions(ctx context.Context, userID string) (usage.UpgradeOptions, error)
}

type AssistantConsumer interface {
	ConsumeAssistant(ctx context.Context, userID, assistantID string) (usage.AssistantReceipt, error)
}

type PaymentService interface {
	CreateOrder(ctx context.Context, userID string, req payments.OrderRequest) (payments.OrderResult, error)
	Capture(ctx context.Context, userID, orderID string) (payments.Outcome, error)
	HandleWebhook(ctx context.Context, raw []byte, headers http.Header) (payments.WebhookOutcome, error)
}

type CallStarter interface {
	StartCall(ctx context.Context, req calls.StartRequest) (calls.CallRecord, error)
}

type CallReader interface {
	Get(ctx context.Context, userID, id string) (calls.CallRecord, error)
}

type Reporter interface {
	UsageSummary(ctx context.Context, req reporting.UsageSummaryRequest) (reporting.UsageSummary, error)
}

type PlanAssigner interface {
	AssignPlan(ctx context.Context, userID string, req usage.PlanAssignment) (ledger.Account, error)
}

type JobRunner interface {
	RunOnce(ctx context.Context) (scheduler.RunReport, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse input, call internal services, return JSON.
type Handlers struct {
	Usage       UsageService
	Assistants  AssistantConsumer
	Payments    PaymentService
	CallStarter CallStarter
	Calls       CallReader
	Reports     Reporter
	Plans       PlanAssigner
	Jobs        JobRunner
	Audit       *audit.Service
	// PaymentGuard short-circuits payment webhook replays; nil disables it.
	PaymentGuard *webhookguard.Guard

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// requireUser reads the authenticated user id or aborts with 401.
func requireUser(c *gin.Context) (string, bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user id required"})
		return "", false
	}
	return userID, true
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Usage ---

func (h Handlers) AssistantCheck(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	d, err := h.Usage.CanCreateAssistant(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, userID, "", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type callCheckRequest struct {
	EstimatedCost *decimal.Decimal `json:"estimatedCost"`
}

func (h Handlers) CallCheck(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req callCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	estimate := h.Usage.EstimatedCallCost()
	if req.EstimatedCost != nil {
		if req.EstimatedCost.IsNegative() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "estimatedCost must be >= 0"})
			return
		}
		estimate = *req.EstimatedCost
	}
	d, err := h.Usage.CanAffordCall(c.Request.Context(), userID, estimate)
	if err != nil {
		h.writeError(c, userID, "", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type consumeAssistantRequest struct {
	AssistantID string `json:"assistantId" binding:"required"`
}

func (h Handlers) ConsumeAssistant(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req consumeAssistantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "assistantId required"})
		return
	}
	receipt, err := h.Assistants.ConsumeAssistant(c.Request.Context(), userID, req.AssistantID)
	if err != nil {
		h.writeError(c, userID, usage.AssistantOperationID(userID, req.AssistantID), err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (h Handlers) GetAccount(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	view, err := h.Usage.Account(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, userID, "", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h Handlers) UpgradeOptions(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	opts, err := h.Usage.GetUpgradeOptions(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, userID, "", err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

// UsageSummary reports activity in [from, to). Both default to the last 30 days.
func (h Handlers) UsageSummary(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	to := h.now().UTC()
	from := to.AddDate(0, 0, -30)
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		raw := strings.TrimSpace(c.Query(p.name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": p.name + " must be RFC 3339"})
			return
		}
		*p.dst = t
	}
	out, err := h.Reports.UsageSummary(c.Request.Context(), reporting.UsageSummaryRequest{
		UserID: userID,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		h.writeError(c, userID, "", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Payments ---

func (h Handlers) CreateOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req payments.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Payments.CreateOrder(c.Request.Context(), userID, req)
	if err != nil {
		h.writeError(c, userID, "", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type captureRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

// Capture is idempotent: repeating it after success answers alreadyProcessed.
func (h Handlers) Capture(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "orderId required"})
		return
	}
	out, err := h.Payments.Capture(c.Request.Context(), userID, req.OrderID)
	if err != nil {
		h.writeError(c, userID, req.OrderID, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// PaymentWebhook acknowledges with {received: true} whenever retrying could not
// change the outcome. Provider and storage failures answer 5xx so the sender retries.
func (h Handlers) PaymentWebhook(c *gin.Context) {
	log := logger.FromGin(c)
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	ctx := c.Request.Context()
	key := ""
	if ev, err := payments.ParseWebhook(raw); err == nil {
		key = "payment:" + ev.ID
	}
	if h.PaymentGuard.Seen(ctx, key) {
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}

	out, err := h.Payments.HandleWebhook(ctx, raw, c.Request.Header)
	switch {
	case err == nil:
	case errors.Is(err, fault.ErrNotFound):
		log.Warn("payment webhook references unknown data", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true, "success": false, "reason": "not found"})
		return
	case errors.Is(err, fault.ErrValidation):
		log.Warn("payment webhook rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		h.writeError(c, "", out.EventID, err)
		return
	}

	h.PaymentGuard.Remember(ctx, key)
	c.JSON(http.StatusOK, gin.H{"received": true, "eventType": out.EventType, "ignored": out.Ignored, "alreadyProcessed": out.AlreadyProcessed})
}

// --- Calls ---

func (h Handlers) StartCall(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req calls.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.UserID = userID
	rec, err := h.CallStarter.StartCall(c.Request.Context(), req)
	if err != nil {
		if rec.ID != "" && errors.Is(err, fault.ErrProvider) {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "call could not be initiated", "call": rec})
			return
		}
		h.writeError(c, userID, rec.ID, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h Handlers) GetCall(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	rec, err := h.Calls.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, userID, c.Param("id"), err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// --- Admin ---

func (h Handlers) AssignPlan(c *gin.Context) {
	subject := strings.TrimSpace(c.Param("userId"))
	var req usage.PlanAssignment
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	acct, err := h.Plans.AssignPlan(c.Request.Context(), subject, req)
	if err != nil {
		h.writeError(c, subject, "", err)
		return
	}
	actorID, _ := auth.UserID(c.Request.Context())
	actorRole, _ := auth.Role(c.Request.Context())
	h.Audit.LogAdminAction(c.Request.Context(),
		audit.Actor{UserID: actorID, Role: actorRole, IP: c.ClientIP()},
		subject, "account plan set to "+string(acct.PlanKind)+" "+acct.PlanRef+": "+req.Reason, "")
	c.JSON(http.StatusOK, acct)
}

func (h Handlers) RunJobs(c *gin.Context) {
	rep, err := h.Jobs.RunOnce(c.Request.Context())
	actorID, _ := auth.UserID(c.Request.Context())
	actorRole, _ := auth.Role(c.Request.Context())
	h.Audit.LogAdminAction(c.Request.Context(), audit.Actor{UserID: actorID, Role: actorRole, IP: c.ClientIP()}, "", "maintenance jobs run", "")
	if err != nil {
		logger.FromGin(c).Error("maintenance run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "one or more jobs failed", "report": rep})
		return
	}
	c.JSON(http.StatusOK, rep)
}
