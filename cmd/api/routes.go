package main

import (
	"github.com/gin-gonic/gin"

	"billing-core/internal/auth"
	"billing-core/internal/httpapi"
	"billing-core/internal/rbac"
	"billing-core/internal/telephony"
	"billing-core/internal/usage"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app, authMW gin.HandlerFunc) {
	h := httpapi.Handlers{
		Usage:        a.validator,
		Assistants:   a.consumer,
		Calls:        a.calls,
		Reports:      a.reports,
		Plans:        a.provisioner,
		Jobs:         a.jobs,
		Audit:        a.audit,
		PaymentGuard: a.paymentGuard,
	}
	if a.payments != nil {
		h.Payments = a.payments
	}
	if a.initiator != nil {
		h.CallStarter = a.initiator
	}

	// public
	r.GET("/healthz", httpapi.Healthz)

	// Provider webhooks authenticate themselves (shared secret, signature verification).
	if a.payments != nil {
		r.POST("/webhooks/payment", h.PaymentWebhook)
	}
	if a.voice != nil {
		wh := telephony.WebhookHandler{
			Provider: a.voice,
			Events:   a.calls,
			Secret:   a.cfg.Vapi.WebhookSecret,
			Guard:    a.callGuard,
		}
		r.POST("/webhooks/call", wh.Handle)
	}

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "role": role})
		})

		u := v1.Group("/usage")
		{
			u.GET("/account", h.GetAccount)
			u.GET("/upgrade-options", h.UpgradeOptions)
			u.GET("/summary", h.UsageSummary)
			u.POST("/assistant-check", h.AssistantCheck)
			u.POST("/call-check", h.CallCheck)
			u.POST("/assistants", h.ConsumeAssistant)
		}

		if a.payments != nil {
			p := v1.Group("/payments")
			p.POST("/orders", h.CreateOrder)
			p.POST("/capture", h.Capture)
		}

		cg := v1.Group("/calls")
		{
			cg.GET("/:id", h.GetCall)
			if a.initiator != nil {
				cg.POST("", usage.RequireCallAllowance(a.validator), h.StartCall)
			}
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.PUT("/accounts/:userId", h.AssignPlan)
			admin.POST("/jobs/sweep", h.RunJobs)
		}
	}
}
