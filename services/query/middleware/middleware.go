// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware holds the query API's cross-cutting gin middleware.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultDeadline is the per-request wall clock bound.
const DefaultDeadline = 30 * time.Second

// CORS allows browser clients (the UI) to call the API from any origin.
// The backend is a local-development tool; there is no cross-site secret
// to protect.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Deadline enforces a per-request wall clock. Handlers check the request
// context; when it expires after the handler chain returns, the response
// becomes 504 if nothing was written yet.
func Deadline(limit time.Duration) gin.HandlerFunc {
	if limit <= 0 {
		limit = DefaultDeadline
	}
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), limit)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if ctx.Err() == context.DeadlineExceeded && !c.Writer.Written() {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request deadline exceeded"})
		}
	}
}
