// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the query API endpoints.
//
// All responses are JSON with hex identifiers and nanosecond timestamps.
// Interning stays internal: spans and logs resolve their resource
// attributes inline, so the wire shape carries service.name, resource,
// and attributes directly.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinyolly/tinyolly/pkg/logging"
	"github.com/tinyolly/tinyolly/pkg/otelattr"
	"github.com/tinyolly/tinyolly/services/aggregate"
	"github.com/tinyolly/tinyolly/services/receiver/model"
	"github.com/tinyolly/tinyolly/services/store"
)

// Pagination defaults.
const (
	defaultTraceLimit = 50
	defaultSpanLimit  = 50
	defaultLogLimit   = 100
	maxLimit          = 1000
)

// API bundles the query endpoints' dependencies.
type API struct {
	store       *store.Store
	engine      *aggregate.Engine
	logger      *logging.Logger
	selfService string
}

// New creates the handler set. selfService is the backend's own
// service.name, hidden from default responses.
func New(s *store.Store, engine *aggregate.Engine, logger *logging.Logger, selfService string) *API {
	if logger == nil {
		logger = logging.Default()
	}
	return &API{store: s, engine: engine, logger: logger, selfService: selfService}
}

// Health answers liveness probes.
func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func limitParam(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// spanView is a span with its resource attributes resolved inline.
type spanView struct {
	model.Span
	Resource otelattr.Map `json:"resource,omitempty"`
}

// resourceCache avoids refetching an interned resource per span within
// one request.
type resourceCache map[uint64]otelattr.Map

func (a *API) resolveResource(cache resourceCache, ref uint64) otelattr.Map {
	if attrs, ok := cache[ref]; ok {
		return attrs
	}
	entry, err := a.store.Resource(ref)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("resource lookup failed", "ref", ref, "error", err)
		}
		cache[ref] = nil
		return nil
	}
	cache[ref] = entry.Attrs
	return entry.Attrs
}

func (a *API) spanViews(spans []model.Span) []spanView {
	cache := make(resourceCache)
	views := make([]spanView, 0, len(spans))
	for _, span := range spans {
		views = append(views, spanView{
			Span:     span,
			Resource: a.resolveResource(cache, span.ResourceRef),
		})
	}
	return views
}

// isSelf reports whether a record belongs to the backend itself.
func (a *API) isSelf(service string) bool {
	return a.selfService != "" && service == a.selfService
}

// traceSummary is one row of the trace list.
type traceSummary struct {
	TraceID    string   `json:"trace_id"`
	RootName   string   `json:"root_name"`
	RootSvc    string   `json:"root_service"`
	SpanCount  int      `json:"span_count"`
	Services   []string `json:"services"`
	StartNano  uint64   `json:"start_time_ns"`
	DurationMs float64  `json:"duration_ms"`
	HasError   bool     `json:"has_error"`
}

// ListTraces serves GET /api/traces?limit=N: the most recent traces,
// newest first.
func (a *API) ListTraces(c *gin.Context) {
	limit := limitParam(c, defaultTraceLimit)

	// Over-fetch ids to survive the self filter dropping whole traces.
	ids, err := a.store.RecentTraceIDs(c.Request.Context(), limit*2)
	if err != nil {
		a.internalError(c, err)
		return
	}

	summaries := make([]traceSummary, 0, limit)
	for _, id := range ids {
		if len(summaries) == limit {
			break
		}
		spans, err := a.store.TraceSpans(c.Request.Context(), id)
		if err != nil {
			a.internalError(c, err)
			return
		}
		if summary, _, ok := a.summarize(id, spans); ok {
			summaries = append(summaries, summary)
		}
	}
	c.JSON(http.StatusOK, gin.H{"traces": summaries, "count": len(summaries)})
}

// summarize builds the trace's list row and returns the spans that
// survive the self filter. The input slice is left untouched.
func (a *API) summarize(traceID string, spans []model.Span) (traceSummary, []model.Span, bool) {
	kept := make([]model.Span, 0, len(spans))
	for _, span := range spans {
		if !a.isSelf(span.ServiceName) {
			kept = append(kept, span)
		}
	}
	if len(kept) == 0 {
		return traceSummary{}, nil, false
	}

	root := findRoot(kept)
	summary := traceSummary{
		TraceID:   traceID,
		RootName:  root.Name,
		RootSvc:   root.ServiceName,
		SpanCount: len(kept),
		StartNano: kept[0].StartNano,
	}

	var minStart, maxEnd uint64
	seen := make(map[string]struct{})
	for i, span := range kept {
		if i == 0 || span.StartNano < minStart {
			minStart = span.StartNano
		}
		if span.EndNano > maxEnd {
			maxEnd = span.EndNano
		}
		if span.StatusCode == model.StatusError {
			summary.HasError = true
		}
		if _, ok := seen[span.ServiceName]; !ok {
			seen[span.ServiceName] = struct{}{}
			summary.Services = append(summary.Services, span.ServiceName)
		}
	}
	summary.StartNano = minStart
	summary.DurationMs = float64(maxEnd-minStart) / 1e6
	return summary, kept, true
}

// findRoot picks the earliest span whose parent is absent or not part of
// the trace. Spans arrive start-time ordered.
func findRoot(spans []model.Span) model.Span {
	members := make(map[string]struct{}, len(spans))
	for _, span := range spans {
		members[span.SpanID] = struct{}{}
	}
	for _, span := range spans {
		if span.ParentSpanID == "" {
			return span
		}
		if _, ok := members[span.ParentSpanID]; !ok {
			return span
		}
	}
	return spans[0]
}

// GetTrace serves GET /api/traces/:id: the full trace with spans ordered
// by start time.
func (a *API) GetTrace(c *gin.Context) {
	traceID := c.Param("id")
	spans, err := a.store.TraceSpans(c.Request.Context(), traceID)
	if err != nil {
		a.internalError(c, err)
		return
	}
	summary, kept, ok := a.summarize(traceID, spans)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trace_id":    traceID,
		"span_count":  summary.SpanCount,
		"duration_ms": summary.DurationMs,
		"root_name":   summary.RootName,
		"has_error":   summary.HasError,
		"spans":       a.spanViews(kept),
	})
}

// ListSpans serves GET /api/spans?service=&limit=.
func (a *API) ListSpans(c *gin.Context) {
	limit := limitParam(c, defaultSpanLimit)
	service := c.Query("service")

	spans, err := a.store.RecentSpans(c.Request.Context(), limit, service)
	if err != nil {
		a.internalError(c, err)
		return
	}
	if service == "" {
		kept := spans[:0]
		for _, span := range spans {
			if !a.isSelf(span.ServiceName) {
				kept = append(kept, span)
			}
		}
		spans = kept
	}
	c.JSON(http.StatusOK, gin.H{"spans": a.spanViews(spans), "count": len(spans)})
}

// logView is a log with its resource attributes resolved inline.
type logView struct {
	model.Log
	Resource otelattr.Map `json:"resource,omitempty"`
}

// ListLogs serves GET /api/logs?trace_id=&severity=&limit=.
func (a *API) ListLogs(c *gin.Context) {
	limit := limitParam(c, defaultLogLimit)
	traceID := c.Query("trace_id")
	severity := c.Query("severity")

	var (
		logs []model.Log
		err  error
	)
	if traceID != "" {
		logs, err = a.store.LogsByTrace(c.Request.Context(), traceID)
	} else {
		logs, err = a.store.RecentLogs(c.Request.Context(), limit)
	}
	if err != nil {
		a.internalError(c, err)
		return
	}

	cache := make(resourceCache)
	views := make([]logView, 0, len(logs))
	for _, log := range logs {
		if a.isSelf(log.ServiceName) {
			continue
		}
		if severity != "" && log.SeverityText != severity {
			continue
		}
		if len(views) == limit {
			break
		}
		views = append(views, logView{
			Log:      log,
			Resource: a.resolveResource(cache, log.ResourceRef),
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": views, "count": len(views)})
}

// Log stream tuning. Each poll reads a small newest-first batch; the
// dedup set is cleared once it grows past its cap, which at worst re-sends
// a handful of recent logs.
const (
	streamPollInterval = 2 * time.Second
	streamBatchSize    = 10
	streamSentCap      = 1000
)

// LogStream serves GET /api/logs/stream: a server-sent events feed of
// newly stored logs. The poll loop runs until the client disconnects.
func (a *API) LogStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()

	sent := make(map[string]struct{})
	cache := make(resourceCache)
	ctx := c.Request.Context()
	for {
		logs, err := a.store.RecentLogs(ctx, streamBatchSize)
		if err != nil {
			a.logger.Warn("log stream read failed", "error", err)
		}
		// Oldest first, so clients append in arrival order.
		for i := len(logs) - 1; i >= 0; i-- {
			log := logs[i]
			if a.isSelf(log.ServiceName) {
				continue
			}
			if _, dup := sent[log.ID]; dup {
				continue
			}
			if len(sent) >= streamSentCap {
				sent = make(map[string]struct{}, streamBatchSize)
			}
			sent[log.ID] = struct{}{}
			c.SSEvent("log", logView{
				Log:      log,
				Resource: a.resolveResource(cache, log.ResourceRef),
			})
		}
		c.Writer.Flush()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *API) internalError(c *gin.Context, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request deadline exceeded"})
		return
	}
	a.logger.Error("query failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
