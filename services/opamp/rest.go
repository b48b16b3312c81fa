// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package opamp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tinyolly/tinyolly/services/query/middleware"
)

// configUpdateRequest is the POST /config body.
type configUpdateRequest struct {
	Config     string `json:"config" binding:"required"`
	InstanceID string `json:"instance_id,omitempty"`
}

// RegisterREST mounts the control plane's UI-facing endpoints.
func (s *Server) RegisterREST(router *gin.Engine) {
	router.Use(middleware.CORS())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/status", s.handleStatus)
	router.GET("/config", s.handleGetConfig)
	router.POST("/config", s.handleUpdateConfig)
	router.PUT("/config", s.handleUpdateConfig)
}

func (s *Server) handleStatus(c *gin.Context) {
	agents := s.Agents()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"agent_count": len(agents),
		"agents":      agents,
	})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	if instanceID := c.Query("instance_id"); instanceID != "" {
		agent, ok := s.Agent(instanceID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"instance_id": agent.InstanceID,
			"config":      agent.EffectiveConfig,
			"status":      agent.Status,
		})
		return
	}

	if agent, ok := s.FirstConnected(); ok {
		c.JSON(http.StatusOK, gin.H{
			"instance_id": agent.InstanceID,
			"config":      agent.EffectiveConfig,
			"status":      agent.Status,
		})
		return
	}

	// No agents: serve the config they would receive on connect.
	c.JSON(http.StatusOK, gin.H{
		"config": s.CurrentConfig(),
		"status": "no_agents_connected",
	})
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req configUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "config is required"})
		return
	}

	targets, err := s.PushConfig(req.Config, req.InstanceID)
	if errors.Is(err, ErrUnknownAgent) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid config: %v", err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":                "pending",
		"message":               fmt.Sprintf("config update queued for %d agent(s)", len(targets)),
		"affected_instance_ids": targets,
	})
}
