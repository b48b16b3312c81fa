// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package normalize converts OTLP payloads into internal records.
//
// One call handles one OTLP request; the result carries the records to
// persist plus per-item rejection counts for the OTLP partial-success
// response. The normalizer never writes to the store itself, so a request
// cancelled mid-decode leaves nothing behind.
//
// Resource and scope attribute sets are interned by content hash. Entries
// are re-emitted with every batch that references them; the overwrite is
// idempotent and refreshes their TTL alongside the records that point at
// them.
package normalize

import (
	"encoding/hex"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tinyolly/tinyolly/pkg/logging"
	"github.com/tinyolly/tinyolly/pkg/otelattr"
	"github.com/tinyolly/tinyolly/services/receiver/model"
)

var (
	// ErrInvalidInput reports a span that failed id or timestamp
	// validation. Reported per batch item, never for the whole request.
	ErrInvalidInput = errors.New("normalize: invalid input")

	// ErrMetricKindConflict reports a metric whose kind differs from the
	// catalog entry already recorded under the same name.
	ErrMetricKindConflict = errors.New("normalize: metric kind conflict")
)

// Catalog is the store surface the normalizer needs for metric admission.
type Catalog interface {
	// AdmitMetric reports whether the name fits the cardinality budget.
	AdmitMetric(name string) bool
	// GetCatalogEntry returns the recorded entry for a metric name; a
	// not-found error means the name is new.
	GetCatalogEntry(name string) (model.CatalogEntry, error)
}

// Normalizer converts OTLP batches to records.
//
// Safe for concurrent use; per-request state lives on the stack and the
// shared counters are atomic.
type Normalizer struct {
	catalog Catalog
	logger  *logging.Logger

	droppedAttrs  atomic.Uint64
	rejectedSpans atomic.Uint64
}

// New creates a Normalizer backed by the given catalog.
func New(catalog Catalog, logger *logging.Logger) *Normalizer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Normalizer{catalog: catalog, logger: logger}
}

// DroppedAttrs returns the count of attributes dropped for unsupported
// value types since start.
func (n *Normalizer) DroppedAttrs() uint64 { return n.droppedAttrs.Load() }

// RejectedSpans returns the count of spans rejected by validation since
// start.
func (n *Normalizer) RejectedSpans() uint64 { return n.rejectedSpans.Load() }

// SpanBatch is the normalized form of one ExportTraceServiceRequest.
type SpanBatch struct {
	Spans     []model.Span
	Resources []model.ResourceEntry
	Scopes    []model.ScopeEntry

	// Rejected counts spans dropped by validation, for the OTLP
	// partial-success response.
	Rejected int
}

// Spans normalizes one OTLP trace request. ingestNano stamps every record.
func (n *Normalizer) Spans(resourceSpans []*tracepb.ResourceSpans, ingestNano uint64) SpanBatch {
	var batch SpanBatch
	intern := newInternSet()

	for _, rs := range resourceSpans {
		resRef, resAttrs := n.internResource(rs.GetResource(), intern, &batch.Resources)
		service := otelattr.ServiceName(resAttrs)

		for _, ss := range rs.GetScopeSpans() {
			scopeRef := n.internScope(ss.GetScope(), intern, &batch.Scopes)

			for _, span := range ss.GetSpans() {
				record, err := n.span(span, resRef, scopeRef, service, ingestNano)
				if err != nil {
					batch.Rejected++
					n.rejectedSpans.Add(1)
					n.logger.Warn("rejecting span", "error", err)
					continue
				}
				batch.Spans = append(batch.Spans, record)
			}
		}
	}
	return batch
}

func (n *Normalizer) span(span *tracepb.Span, resRef, scopeRef uint64, service string, ingestNano uint64) (model.Span, error) {
	if len(span.GetTraceId()) != 16 {
		return model.Span{}, errors.Join(ErrInvalidInput,
			errors.New("trace id must be 16 bytes"))
	}
	if len(span.GetSpanId()) != 8 {
		return model.Span{}, errors.Join(ErrInvalidInput,
			errors.New("span id must be 8 bytes"))
	}
	start, end := span.GetStartTimeUnixNano(), span.GetEndTimeUnixNano()
	if start > end {
		return model.Span{}, errors.Join(ErrInvalidInput,
			errors.New("span start after end"))
	}

	attrs, dropped := otelattr.FromProto(span.GetAttributes())
	n.countDroppedAttrs(dropped)

	record := model.Span{
		Schema:       model.SchemaSpan,
		TraceID:      hex.EncodeToString(span.GetTraceId()),
		SpanID:       hex.EncodeToString(span.GetSpanId()),
		Name:         span.GetName(),
		Kind:         int32(span.GetKind()),
		StartNano:    start,
		EndNano:      end,
		DurationNano: end - start,
		Attrs:        attrs,
		ResourceRef:  resRef,
		ScopeRef:     scopeRef,
		ServiceName:  service,
		IngestNano:   ingestNano,
	}
	if parent := span.GetParentSpanId(); len(parent) == 8 {
		record.ParentSpanID = hex.EncodeToString(parent)
	}
	if status := span.GetStatus(); status != nil {
		record.StatusCode = int32(status.GetCode())
		record.StatusMessage = status.GetMessage()
	}

	for _, event := range span.GetEvents() {
		evAttrs, dropped := otelattr.FromProto(event.GetAttributes())
		n.countDroppedAttrs(dropped)
		record.Events = append(record.Events, model.SpanEvent{
			TimeNano: event.GetTimeUnixNano(),
			Name:     event.GetName(),
			Attrs:    evAttrs,
		})
	}
	for _, link := range span.GetLinks() {
		lnAttrs, dropped := otelattr.FromProto(link.GetAttributes())
		n.countDroppedAttrs(dropped)
		record.Links = append(record.Links, model.SpanLink{
			TraceID: hex.EncodeToString(link.GetTraceId()),
			SpanID:  hex.EncodeToString(link.GetSpanId()),
			Attrs:   lnAttrs,
		})
	}
	return record, nil
}

// LogBatch is the normalized form of one ExportLogsServiceRequest.
type LogBatch struct {
	Logs      []model.Log
	Resources []model.ResourceEntry
	Scopes    []model.ScopeEntry
	Rejected  int
}

// Logs normalizes one OTLP logs request.
func (n *Normalizer) Logs(resourceLogs []*logspb.ResourceLogs, ingestNano uint64) LogBatch {
	var batch LogBatch
	intern := newInternSet()

	for _, rl := range resourceLogs {
		resRef, resAttrs := n.internResource(rl.GetResource(), intern, &batch.Resources)
		service := otelattr.ServiceName(resAttrs)

		for _, sl := range rl.GetScopeLogs() {
			scopeRef := n.internScope(sl.GetScope(), intern, &batch.Scopes)

			for _, lr := range sl.GetLogRecords() {
				attrs, dropped := otelattr.FromProto(lr.GetAttributes())
				n.countDroppedAttrs(dropped)

				record := model.Log{
					Schema:         model.SchemaLog,
					ID:             uuid.NewString(),
					TimeNano:       lr.GetTimeUnixNano(),
					ObservedNano:   lr.GetObservedTimeUnixNano(),
					SeverityNumber: int32(lr.GetSeverityNumber()),
					SeverityText:   lr.GetSeverityText(),
					Attrs:          attrs,
					ResourceRef:    resRef,
					ScopeRef:       scopeRef,
					ServiceName:    service,
					IngestNano:     ingestNano,
				}
				if record.TimeNano == 0 {
					record.TimeNano = record.ObservedNano
				}
				if record.SeverityText == "" {
					record.SeverityText = SeverityText(record.SeverityNumber)
				}
				if body, ok := logBody(lr.GetBody()); ok {
					record.Body = body
				} else if lr.GetBody() != nil {
					n.countDroppedAttrs(1)
				}
				if tid := lr.GetTraceId(); len(tid) == 16 {
					record.TraceID = hex.EncodeToString(tid)
				}
				if sid := lr.GetSpanId(); len(sid) == 8 {
					record.SpanID = hex.EncodeToString(sid)
				}
				batch.Logs = append(batch.Logs, record)
			}
		}
	}
	return batch
}

func logBody(av *commonpb.AnyValue) (otelattr.Value, bool) {
	if av == nil {
		return otelattr.String(""), true
	}
	m, dropped := otelattr.FromProto([]*commonpb.KeyValue{{Key: "body", Value: av}})
	if dropped > 0 {
		return otelattr.Value{}, false
	}
	return m["body"], true
}

// SeverityText maps an OTLP severity number onto its canonical text.
// Severity numbers group in buckets of four (1-4 TRACE ... 21-24 FATAL).
func SeverityText(num int32) string {
	switch {
	case num < 1 || num > 24:
		return ""
	case num <= 4:
		return "TRACE"
	case num <= 8:
		return "DEBUG"
	case num <= 12:
		return "INFO"
	case num <= 16:
		return "WARN"
	case num <= 20:
		return "ERROR"
	default:
		return "FATAL"
	}
}

func (n *Normalizer) countDroppedAttrs(dropped int) {
	if dropped > 0 {
		n.droppedAttrs.Add(uint64(dropped))
	}
}
