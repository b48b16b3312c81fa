// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
)

// RegisterGRPC registers the three OTLP Export services on srv.
func (p *Pipeline) RegisterGRPC(srv *grpc.Server) {
	coltracepb.RegisterTraceServiceServer(srv, &traceService{pipeline: p})
	collogspb.RegisterLogsServiceServer(srv, &logsService{pipeline: p})
	colmetricspb.RegisterMetricsServiceServer(srv, &metricsService{pipeline: p})
}

type traceService struct {
	coltracepb.UnimplementedTraceServiceServer
	pipeline *Pipeline
}

func (s *traceService) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.Error(codes.Canceled, err.Error())
	}

	rejected, err := s.pipeline.Traces(req.GetResourceSpans())
	if err != nil {
		return nil, grpcError(s.pipeline, err)
	}

	resp := &coltracepb.ExportTraceServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &coltracepb.ExportTracePartialSuccess{
			RejectedSpans: int64(rejected),
			ErrorMessage:  "spans failed validation",
		}
	}
	return resp, nil
}

type logsService struct {
	collogspb.UnimplementedLogsServiceServer
	pipeline *Pipeline
}

func (s *logsService) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.Error(codes.Canceled, err.Error())
	}

	rejected, err := s.pipeline.Logs(req.GetResourceLogs())
	if err != nil {
		return nil, grpcError(s.pipeline, err)
	}

	resp := &collogspb.ExportLogsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: int64(rejected),
			ErrorMessage:       "log records failed validation",
		}
	}
	return resp, nil
}

type metricsService struct {
	colmetricspb.UnimplementedMetricsServiceServer
	pipeline *Pipeline
}

func (s *metricsService) Export(ctx context.Context, req *colmetricspb.ExportMetricsServiceRequest) (*colmetricspb.ExportMetricsServiceResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.Error(codes.Canceled, err.Error())
	}

	rejected, conflicts, err := s.pipeline.Metrics(req.GetResourceMetrics())
	if err != nil {
		return nil, grpcError(s.pipeline, err)
	}

	resp := &colmetricspb.ExportMetricsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &colmetricspb.ExportMetricsPartialSuccess{
			RejectedDataPoints: int64(rejected),
			ErrorMessage:       conflictMessage(conflicts),
		}
	}
	return resp, nil
}

func conflictMessage(conflicts []string) string {
	if len(conflicts) == 0 {
		return "metric datapoints rejected"
	}
	return fmt.Sprintf("metric kind conflict: %s", strings.Join(conflicts, ", "))
}

// grpcError maps pipeline failures onto the OTLP failure classes.
func grpcError(p *Pipeline, err error) error {
	if errors.Is(err, ErrBackpressure) {
		backpressureTotal.Inc()
		return status.Errorf(codes.Unavailable,
			"ingest overloaded, retry after %ds", p.RetryAfterSeconds())
	}
	return status.Error(codes.Internal, err.Error())
}
