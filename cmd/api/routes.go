package main

import (
	"net/http"

	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/httpapi"
	"campaign-dialer/internal/rbac"
	"campaign-dialer/internal/telephony"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, cfg config.Config, authManager *auth.Manager, eng *engine) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider status webhooks (public, authenticated by signature or shared secret).
	wh := telephony.StatusWebhookHandler{
		Applier:         eng.runs,
		TwilioAuthToken: cfg.Twilio.AuthToken,
		PublicBaseURL:   cfg.App.PublicBaseURL,
		AgentSecret:     cfg.Provider.WebhookSecret,
	}
	r.POST("/webhooks/provider/status", wh.HandleAgentStatus)
	r.POST("/webhooks/twilio/status", wh.HandleTwilioStatus)

	h := httpapi.Handlers{Auth: authManager, Runs: eng.runs, MaxUploadBytes: cfg.Ingest.MaxUploadBytes}

	// Token issuance is a development helper; production tokens come from the identity service.
	if !cfg.IsProduction() {
		r.POST("/v1/auth/login", h.Login)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(authManager), httpapi.WithActor())
	{
		v1.GET("/me", h.Me)

		// RUN routes
		runs := v1.Group("/runs/:run_id")
		runs.Use(rbac.RequireOrg())
		{
			write := rbac.RequireAnyRole(rbac.RunWriters...)
			runs.POST("/ingest", write, h.IngestRows)
			runs.POST("/start", write, h.StartRun)
			runs.POST("/pause", write, h.PauseRun)
			runs.POST("/schedule", write, h.ScheduleRun)

			runs.GET("/summary", rbac.RequireAnyRole(rbac.RunReaders...), h.RunSummary)
		}
	}
}
