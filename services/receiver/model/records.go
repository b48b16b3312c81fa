// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package model defines the internal telemetry records shared by the
// normalizer, store, aggregation engine, and query API.
//
// Records are created once by the normalizer, encoded by the codec, written
// to the store, and never mutated. Identifiers are lowercase hex strings;
// all times are nanoseconds since the Unix epoch. Each record carries a
// Schema tag so stored frames remain self-describing across versions, and
// an IngestNano stamp that seeds TTL expiry.
package model

import "github.com/tinyolly/tinyolly/pkg/otelattr"

// Schema tags identify the record type inside an encoded frame.
const (
	SchemaSpan      uint8 = 1
	SchemaLog       uint8 = 2
	SchemaCatalog   uint8 = 3
	SchemaSeries    uint8 = 4
	SchemaDataPoint uint8 = 5
	SchemaExemplar  uint8 = 6
	SchemaResource  uint8 = 7
	SchemaScope     uint8 = 8
)

// MetricKind enumerates the OTLP metric data shapes.
type MetricKind uint8

const (
	KindGauge MetricKind = iota + 1
	KindSum
	KindHistogram
	KindExponentialHistogram
	KindSummary
)

// String returns the catalog-facing kind name.
func (k MetricKind) String() string {
	switch k {
	case KindGauge:
		return "gauge"
	case KindSum:
		return "sum"
	case KindHistogram:
		return "histogram"
	case KindExponentialHistogram:
		return "exponential_histogram"
	case KindSummary:
		return "summary"
	default:
		return "unknown"
	}
}

// Span is one timed unit of work within a trace.
//
// ParentSpanID is empty for roots. ResourceRef and ScopeRef point into the
// interning tables; ServiceName is denormalized from the resource so the
// hot aggregation paths avoid a table lookup per span.
type Span struct {
	Schema        uint8           `msgpack:"v" json:"-"`
	TraceID       string          `msgpack:"tid" json:"trace_id"`
	SpanID        string          `msgpack:"sid" json:"span_id"`
	ParentSpanID  string          `msgpack:"pid,omitempty" json:"parent_span_id,omitempty"`
	Name          string          `msgpack:"n" json:"name"`
	Kind          int32           `msgpack:"k" json:"kind"`
	StartNano     uint64          `msgpack:"st" json:"start_time_ns"`
	EndNano       uint64          `msgpack:"en" json:"end_time_ns"`
	DurationNano  uint64          `msgpack:"d" json:"duration_ns"`
	StatusCode    int32           `msgpack:"sc" json:"status_code"`
	StatusMessage string          `msgpack:"sm,omitempty" json:"status_message,omitempty"`
	Attrs         otelattr.Map    `msgpack:"a,omitempty" json:"attributes,omitempty"`
	Events        []SpanEvent     `msgpack:"ev,omitempty" json:"events,omitempty"`
	Links         []SpanLink      `msgpack:"ln,omitempty" json:"links,omitempty"`
	ResourceRef   uint64          `msgpack:"rr" json:"-"`
	ScopeRef      uint64          `msgpack:"sr" json:"-"`
	ServiceName   string          `msgpack:"svc" json:"service_name"`
	IngestNano    uint64          `msgpack:"in" json:"-"`
}

// Span status codes per OTLP.
const (
	StatusUnset int32 = 0
	StatusOK    int32 = 1
	StatusError int32 = 2
)

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	TimeNano uint64       `msgpack:"t" json:"time_ns"`
	Name     string       `msgpack:"n" json:"name"`
	Attrs    otelattr.Map `msgpack:"a,omitempty" json:"attributes,omitempty"`
}

// SpanLink references another span, possibly in another trace.
type SpanLink struct {
	TraceID string       `msgpack:"tid" json:"trace_id"`
	SpanID  string       `msgpack:"sid" json:"span_id"`
	Attrs   otelattr.Map `msgpack:"a,omitempty" json:"attributes,omitempty"`
}

// Log is one log record, optionally correlated to a span.
type Log struct {
	Schema         uint8          `msgpack:"v" json:"-"`
	ID             string         `msgpack:"id" json:"id"`
	TimeNano       uint64         `msgpack:"t" json:"timestamp_ns"`
	ObservedNano   uint64         `msgpack:"o,omitempty" json:"observed_ns,omitempty"`
	SeverityText   string         `msgpack:"svt,omitempty" json:"severity_text,omitempty"`
	SeverityNumber int32          `msgpack:"svn" json:"severity_number"`
	Body           otelattr.Value `msgpack:"b" json:"body"`
	Attrs          otelattr.Map   `msgpack:"a,omitempty" json:"attributes,omitempty"`
	TraceID        string         `msgpack:"tid,omitempty" json:"trace_id,omitempty"`
	SpanID         string         `msgpack:"sid,omitempty" json:"span_id,omitempty"`
	ResourceRef    uint64         `msgpack:"rr" json:"-"`
	ScopeRef       uint64         `msgpack:"sr" json:"-"`
	ServiceName    string         `msgpack:"svc" json:"service_name"`
	IngestNano     uint64         `msgpack:"in" json:"-"`
}

// CatalogEntry describes one metric name. Kind is immutable for the life
// of the name within the retention window.
type CatalogEntry struct {
	Schema      uint8      `msgpack:"v" json:"-"`
	Name        string     `msgpack:"n" json:"name"`
	Kind        MetricKind `msgpack:"k" json:"-"`
	Unit        string     `msgpack:"u,omitempty" json:"unit,omitempty"`
	Description string     `msgpack:"d,omitempty" json:"description,omitempty"`
	Temporality string     `msgpack:"tp,omitempty" json:"temporality,omitempty"`
	Monotonic   bool       `msgpack:"m,omitempty" json:"monotonic,omitempty"`
	IngestNano  uint64     `msgpack:"in" json:"-"`
}

// SeriesMeta identifies one series of a metric: the resource it came from
// plus its datapoint attribute set, fingerprinted for the series key.
type SeriesMeta struct {
	Schema      uint8        `msgpack:"v" json:"-"`
	MetricName  string       `msgpack:"n" json:"metric_name"`
	Fingerprint uint64       `msgpack:"f" json:"-"`
	ResourceRef uint64       `msgpack:"rr" json:"-"`
	Attrs       otelattr.Map `msgpack:"a,omitempty" json:"attributes,omitempty"`
	ServiceName string       `msgpack:"svc" json:"service_name"`
	LastNano    uint64       `msgpack:"l" json:"last_update_ns"`
	IngestNano  uint64       `msgpack:"in" json:"-"`
}

// DataPoint is one sample of one series. Exactly one payload arm is set,
// selected by Kind (scalar Value for gauge/sum, otherwise the matching
// struct pointer).
type DataPoint struct {
	Schema       uint8               `msgpack:"v" json:"-"`
	MetricName   string              `msgpack:"n" json:"-"`
	Fingerprint  uint64              `msgpack:"f" json:"-"`
	Kind         MetricKind          `msgpack:"k" json:"-"`
	TimeNano     uint64              `msgpack:"t" json:"timestamp_ns"`
	StartNano    uint64              `msgpack:"st,omitempty" json:"start_time_ns,omitempty"`
	Value        float64             `msgpack:"val,omitempty" json:"value,omitempty"`
	Histogram    *HistogramPoint     `msgpack:"h,omitempty" json:"histogram,omitempty"`
	ExpHistogram *ExpHistogramPoint  `msgpack:"eh,omitempty" json:"exponential_histogram,omitempty"`
	Summary      *SummaryPoint       `msgpack:"sm,omitempty" json:"summary,omitempty"`
	IngestNano   uint64              `msgpack:"in" json:"-"`
}

// HistogramPoint carries explicit-bound bucket counts.
//
// len(BucketCounts) == len(Bounds) + 1; the final bucket is +Inf.
type HistogramPoint struct {
	Count        uint64    `msgpack:"c" json:"count"`
	Sum          float64   `msgpack:"s" json:"sum"`
	Min          *float64  `msgpack:"mn,omitempty" json:"min,omitempty"`
	Max          *float64  `msgpack:"mx,omitempty" json:"max,omitempty"`
	BucketCounts []uint64  `msgpack:"bc" json:"bucket_counts"`
	Bounds       []float64 `msgpack:"bb" json:"explicit_bounds"`
}

// ExpBuckets is one side of an exponential histogram.
type ExpBuckets struct {
	Offset int32    `msgpack:"o" json:"offset"`
	Counts []uint64 `msgpack:"c" json:"bucket_counts"`
}

// ExpHistogramPoint keeps the native base-2 exponential layout; the query
// layer converts to explicit bounds on demand.
type ExpHistogramPoint struct {
	Count     uint64     `msgpack:"c" json:"count"`
	Sum       float64    `msgpack:"s" json:"sum"`
	Scale     int32      `msgpack:"sc" json:"scale"`
	ZeroCount uint64     `msgpack:"z" json:"zero_count"`
	Positive  ExpBuckets `msgpack:"p" json:"positive"`
	Negative  ExpBuckets `msgpack:"n" json:"negative"`
	Min       *float64   `msgpack:"mn,omitempty" json:"min,omitempty"`
	Max       *float64   `msgpack:"mx,omitempty" json:"max,omitempty"`
}

// SummaryQuantile is one quantile value of a summary point.
type SummaryQuantile struct {
	Quantile float64 `msgpack:"q" json:"quantile"`
	Value    float64 `msgpack:"v" json:"value"`
}

// SummaryPoint carries pre-aggregated quantiles.
type SummaryPoint struct {
	Count     uint64            `msgpack:"c" json:"count"`
	Sum       float64           `msgpack:"s" json:"sum"`
	Quantiles []SummaryQuantile `msgpack:"q,omitempty" json:"quantiles,omitempty"`
}

// Exemplar is a sampled datapoint referencing a trace, enabling
// metric-to-trace navigation.
type Exemplar struct {
	Schema      uint8        `msgpack:"v" json:"-"`
	MetricName  string       `msgpack:"n" json:"-"`
	Fingerprint uint64       `msgpack:"f" json:"-"`
	TimeNano    uint64       `msgpack:"t" json:"timestamp_ns"`
	Value       float64      `msgpack:"val" json:"value"`
	TraceID     string       `msgpack:"tid,omitempty" json:"trace_id,omitempty"`
	SpanID      string       `msgpack:"sid,omitempty" json:"span_id,omitempty"`
	Attrs       otelattr.Map `msgpack:"a,omitempty" json:"attributes,omitempty"`
	IngestNano  uint64       `msgpack:"in" json:"-"`
}

// ResourceEntry is one interned resource attribute set.
type ResourceEntry struct {
	Schema uint8        `msgpack:"v" json:"-"`
	Ref    uint64       `msgpack:"r" json:"-"`
	Attrs  otelattr.Map `msgpack:"a,omitempty" json:"attributes,omitempty"`
}

// ScopeEntry is one interned instrumentation scope.
type ScopeEntry struct {
	Schema  uint8        `msgpack:"v" json:"-"`
	Ref     uint64       `msgpack:"r" json:"-"`
	Name    string       `msgpack:"n,omitempty" json:"name,omitempty"`
	Version string       `msgpack:"ver,omitempty" json:"version,omitempty"`
	Attrs   otelattr.Map `msgpack:"a,omitempty" json:"attributes,omitempty"`
}
