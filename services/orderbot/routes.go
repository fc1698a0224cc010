// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orderbot

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/orderbot/services/orderbot/telemetry"
)

// RegisterRoutes registers all orderbot routes with the router.
//
// Endpoints:
//
//	POST /v1/orderbot/webhook - Messaging provider webhook (TwiML reply)
//	POST /v1/orderbot/messages - JSON turn
//	GET  /v1/orderbot/ws - WebSocket chat
//	GET  /v1/orderbot/health - Health check
//
// Example:
//
//	v1 := router.Group("/v1")
//	orderbot.RegisterRoutes(v1, orderbot.NewHandlers(svc))
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	bot := rg.Group("/orderbot")
	{
		bot.POST("/webhook", handlers.HandleWebhook)
		bot.POST("/messages", handlers.HandleMessage)
		bot.GET("/ws", handlers.HandleWebSocket)
		bot.GET("/health", handlers.HandleHealth)
	}
}

// NewRouter builds the gin engine with recovery, OTel tracing, the orderbot
// routes and /metrics.
func NewRouter(svc *Service, debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(svc.cfg.Telemetry.ServiceName))
	if debug {
		router.Use(gin.Logger())
	}

	RegisterRoutes(router.Group("/v1"), NewHandlers(svc))

	metrics := telemetry.MetricsHandler()
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metrics))
	return router
}
