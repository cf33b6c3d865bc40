package main

import (
	"call-tracker/internal/httpapi"
	"call-tracker/internal/rbac"
	"call-tracker/internal/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// routeDeps are the middlewares and collectors built in main.
type routeDeps struct {
	APIKey    gin.HandlerFunc
	Access    gin.HandlerFunc
	RateLimit gin.HandlerFunc
	Gatherer  prometheus.Gatherer
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, d routeDeps) {
	// public
	r.GET("/healthz", h.Health)
	if d.Gatherer != nil {
		r.GET("/internal/metrics", gin.WrapH(telemetry.Handler(d.Gatherer)))
	}

	api := r.Group("/api")
	if d.RateLimit != nil {
		api.Use(d.RateLimit)
	}

	// Webhook senders and schedulers authenticate with the shared API key.
	keyed := api.Group("")
	keyed.Use(d.APIKey)
	{
		keyed.POST("/events", h.Events)
		keyed.GET("/cron", h.Cron)
		keyed.GET("/monitor", h.Monitor)
		keyed.POST("/auth/token", h.IssueToken)
	}

	api.GET("/calls/new-id", h.NewCallID)

	// Dashboard reads use bearer tokens.
	api.GET("/metrics", d.Access, rbac.RequireAnyRole(rbac.DashboardRoles...), h.Metrics)
}
