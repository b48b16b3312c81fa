// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

const (
	contentTypeProto = "application/x-protobuf"
	contentTypeJSON  = "application/json"
)

// RegisterHTTP mounts the OTLP HTTP endpoints on the router.
// maxBodyBytes caps request bodies; zero uses the default 16 MiB.
func (p *Pipeline) RegisterHTTP(router *gin.Engine, maxBodyBytes int64) {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	v1 := router.Group("/v1")
	{
		v1.POST("/traces", p.handleHTTPTraces(maxBodyBytes))
		v1.POST("/logs", p.handleHTTPLogs(maxBodyBytes))
		v1.POST("/metrics", p.handleHTTPMetrics(maxBodyBytes))
	}
}

func (p *Pipeline) handleHTTPTraces(maxBodyBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req coltracepb.ExportTraceServiceRequest
		if !p.decodeHTTP(c, maxBodyBytes, &req) {
			return
		}

		rejected, err := p.Traces(req.GetResourceSpans())
		if err != nil {
			p.httpError(c, err)
			return
		}

		resp := &coltracepb.ExportTraceServiceResponse{}
		if rejected > 0 {
			resp.PartialSuccess = &coltracepb.ExportTracePartialSuccess{
				RejectedSpans: int64(rejected),
				ErrorMessage:  "spans failed validation",
			}
		}
		p.respond(c, resp)
	}
}

func (p *Pipeline) handleHTTPLogs(maxBodyBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req collogspb.ExportLogsServiceRequest
		if !p.decodeHTTP(c, maxBodyBytes, &req) {
			return
		}

		rejected, err := p.Logs(req.GetResourceLogs())
		if err != nil {
			p.httpError(c, err)
			return
		}

		resp := &collogspb.ExportLogsServiceResponse{}
		if rejected > 0 {
			resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
				RejectedLogRecords: int64(rejected),
				ErrorMessage:       "log records failed validation",
			}
		}
		p.respond(c, resp)
	}
}

func (p *Pipeline) handleHTTPMetrics(maxBodyBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req colmetricspb.ExportMetricsServiceRequest
		if !p.decodeHTTP(c, maxBodyBytes, &req) {
			return
		}

		rejected, conflicts, err := p.Metrics(req.GetResourceMetrics())
		if err != nil {
			p.httpError(c, err)
			return
		}

		resp := &colmetricspb.ExportMetricsServiceResponse{}
		if rejected > 0 {
			resp.PartialSuccess = &colmetricspb.ExportMetricsPartialSuccess{
				RejectedDataPoints: int64(rejected),
				ErrorMessage:       conflictMessage(conflicts),
			}
		}
		p.respond(c, resp)
	}
}

// decodeHTTP reads and unmarshals the request body per its content type.
// On failure it writes the error response and returns false.
func (p *Pipeline) decodeHTTP(c *gin.Context, maxBodyBytes int64, req proto.Message) bool {
	if c.Request.ContentLength > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("request exceeds %d bytes", maxBodyBytes),
		})
		return false
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return false
	}
	if int64(len(body)) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("request exceeds %d bytes", maxBodyBytes),
		})
		return false
	}

	switch baseContentType(c.ContentType()) {
	case contentTypeProto:
		if err := proto.Unmarshal(body, req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid protobuf payload"})
			return false
		}
	case contentTypeJSON:
		if err := protojson.Unmarshal(body, req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return false
		}
	default:
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error": "content type must be application/x-protobuf or application/json",
		})
		return false
	}
	return true
}

// respond mirrors the request encoding, as OTLP/HTTP requires.
func (p *Pipeline) respond(c *gin.Context, resp proto.Message) {
	if baseContentType(c.ContentType()) == contentTypeProto {
		data, err := proto.Marshal(resp)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode response"})
			return
		}
		c.Data(http.StatusOK, contentTypeProto, data)
		return
	}
	data, err := protojson.Marshal(resp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode response"})
		return
	}
	c.Data(http.StatusOK, contentTypeJSON, data)
}

func (p *Pipeline) httpError(c *gin.Context, err error) {
	if errors.Is(err, ErrBackpressure) {
		backpressureTotal.Inc()
		c.Header("Retry-After", fmt.Sprintf("%d", p.RetryAfterSeconds()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingest overloaded"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func baseContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}
