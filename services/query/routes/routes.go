// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the query API endpoints onto a gin router.
package routes

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinyolly/tinyolly/services/query/handlers"
	"github.com/tinyolly/tinyolly/services/query/middleware"
	"github.com/tinyolly/tinyolly/services/query/observability"
)

// SetupRoutes mounts every query endpoint plus the shared middleware
// (CORS for the browser UI, per-request deadline, prometheus
// instrumentation).
func SetupRoutes(router *gin.Engine, api *handlers.API, deadline time.Duration) {
	router.Use(middleware.CORS())

	// Registered ahead of the deadline middleware: the stream lives until
	// the client disconnects, not for one request window.
	router.GET("/api/logs/stream", api.LogStream)

	router.Use(middleware.Deadline(deadline))
	router.Use(observability.Middleware())

	router.GET("/health", api.Health)
	router.GET("/metrics", observability.Handler())

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/traces", api.ListTraces)
		apiGroup.GET("/traces/:id", api.GetTrace)
		apiGroup.GET("/spans", api.ListSpans)
		apiGroup.GET("/logs", api.ListLogs)

		apiGroup.GET("/metrics", api.ListMetrics)
		apiGroup.GET("/metrics/query", api.MetricQuery)
		apiGroup.GET("/metrics/:name", api.GetMetric)
		apiGroup.GET("/metrics/:name/resources", api.MetricResources)
		apiGroup.GET("/metrics/:name/attributes", api.MetricAttributes)

		apiGroup.GET("/service-catalog", api.ServiceCatalog)
		apiGroup.GET("/service-map", api.ServiceMap)
		apiGroup.GET("/cardinality", api.Cardinality)
		apiGroup.GET("/stats", api.Stats)
	}
}
