// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package normalize

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/tinyolly/tinyolly/pkg/logging"
	"github.com/tinyolly/tinyolly/services/receiver/model"
	"github.com/tinyolly/tinyolly/services/store"
)

// fakeCatalog implements Catalog in memory.
type fakeCatalog struct {
	entries map[string]model.CatalogEntry
	max     int
}

func newFakeCatalog(max int) *fakeCatalog {
	return &fakeCatalog{entries: make(map[string]model.CatalogEntry), max: max}
}

func (c *fakeCatalog) AdmitMetric(name string) bool {
	if _, ok := c.entries[name]; ok {
		return true
	}
	if len(c.entries) >= c.max {
		return false
	}
	c.entries[name] = model.CatalogEntry{Name: name}
	return true
}

func (c *fakeCatalog) GetCatalogEntry(name string) (model.CatalogEntry, error) {
	entry, ok := c.entries[name]
	if !ok || entry.Kind == 0 {
		return model.CatalogEntry{}, store.ErrNotFound
	}
	return entry, nil
}

func testNormalizer(catalog Catalog) *Normalizer {
	return New(catalog, logging.New(logging.Config{Level: logging.LevelError, Quiet: true}))
}

func strAttr(key, val string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{
		Value: &commonpb.AnyValue_StringValue{StringValue: val},
	}}
}

func resourceFor(service string) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
		strAttr("service.name", service),
	}}
}

func traceID(b byte) []byte { return bytes.Repeat([]byte{b}, 16) }
func spanID(b byte) []byte  { return bytes.Repeat([]byte{b}, 8) }

// TestSpans_Normalization tests id encoding, duration, service, and
// resource interning.
func TestSpans_Normalization(t *testing.T) {
	n := testNormalizer(newFakeCatalog(10))

	batch := n.Spans([]*tracepb.ResourceSpans{{
		Resource: resourceFor("frontend"),
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{Name: "otelhttp", Version: "0.1"},
			Spans: []*tracepb.Span{{
				TraceId:           traceID(0x01),
				SpanId:            spanID(0x0A),
				Name:              "GET /x",
				Kind:              tracepb.Span_SPAN_KIND_SERVER,
				StartTimeUnixNano: 1_000_000_000_000,
				EndTimeUnixNano:   1_000_000_500_000,
				Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
				Attributes:        []*commonpb.KeyValue{strAttr("http.method", "GET")},
			}},
		}},
	}}, 99)

	require.Zero(t, batch.Rejected)
	require.Len(t, batch.Spans, 1)
	span := batch.Spans[0]
	require.Equal(t, "01010101010101010101010101010101", span.TraceID)
	require.Equal(t, "0a0a0a0a0a0a0a0a", span.SpanID)
	require.Equal(t, uint64(500_000), span.DurationNano)
	require.Equal(t, "frontend", span.ServiceName)
	require.Equal(t, model.StatusOK, span.StatusCode)
	require.Equal(t, uint64(99), span.IngestNano)

	require.Len(t, batch.Resources, 1)
	require.Equal(t, span.ResourceRef, batch.Resources[0].Ref)
	require.Len(t, batch.Scopes, 1)
	require.Equal(t, span.ScopeRef, batch.Scopes[0].Ref)
}

// TestSpans_Validation tests per-item rejection of bad ids and reversed
// timestamps.
func TestSpans_Validation(t *testing.T) {
	n := testNormalizer(newFakeCatalog(10))

	batch := n.Spans([]*tracepb.ResourceSpans{{
		Resource: resourceFor("svc"),
		ScopeSpans: []*tracepb.ScopeSpans{{
			Spans: []*tracepb.Span{
				{TraceId: []byte{0x01}, SpanId: spanID(0x01), StartTimeUnixNano: 1, EndTimeUnixNano: 2},
				{TraceId: traceID(0x01), SpanId: []byte{0x02}, StartTimeUnixNano: 1, EndTimeUnixNano: 2},
				{TraceId: traceID(0x01), SpanId: spanID(0x03), StartTimeUnixNano: 5, EndTimeUnixNano: 2},
				{TraceId: traceID(0x01), SpanId: spanID(0x04), StartTimeUnixNano: 1, EndTimeUnixNano: 2},
			},
		}},
	}}, 0)

	require.Equal(t, 3, batch.Rejected)
	require.Len(t, batch.Spans, 1)
	require.Equal(t, "0404040404040404", batch.Spans[0].SpanID)
}

// TestLogs_SeverityAndCorrelation tests severity mapping and trace/span
// attachment.
func TestLogs_SeverityAndCorrelation(t *testing.T) {
	n := testNormalizer(newFakeCatalog(10))

	batch := n.Logs([]*logspb.ResourceLogs{{
		Resource: resourceFor("backend"),
		ScopeLogs: []*logspb.ScopeLogs{{
			LogRecords: []*logspb.LogRecord{
				{
					TimeUnixNano:   100,
					SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
					Body: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{
						StringValue: "hi"}},
					TraceId: traceID(0x01),
					SpanId:  spanID(0x0A),
				},
				{
					TimeUnixNano:   200,
					SeverityNumber: 17,
					SeverityText:   "panic",
				},
			},
		}},
	}}, 0)

	require.Len(t, batch.Logs, 2)
	first := batch.Logs[0]
	require.Equal(t, "INFO", first.SeverityText, "severity number not mapped")
	require.Equal(t, "hi", first.Body.Str)
	require.Equal(t, "01010101010101010101010101010101", first.TraceID)
	require.Equal(t, "0a0a0a0a0a0a0a0a", first.SpanID)
	require.NotEmpty(t, first.ID)

	require.Equal(t, "panic", batch.Logs[1].SeverityText, "explicit severity text overwritten")
	require.Empty(t, batch.Logs[1].TraceID)
}

// TestSeverityText tests the bucket boundaries.
func TestSeverityText(t *testing.T) {
	cases := map[int32]string{
		0: "", 1: "TRACE", 4: "TRACE", 5: "DEBUG", 9: "INFO", 12: "INFO",
		13: "WARN", 17: "ERROR", 21: "FATAL", 24: "FATAL", 25: "",
	}
	for num, want := range cases {
		if got := SeverityText(num); got != want {
			t.Errorf("SeverityText(%d) = %q, want %q", num, got, want)
		}
	}
}

func gaugeMetric(name string, value float64, attrs ...*commonpb.KeyValue) *metricspb.Metric {
	return &metricspb.Metric{
		Name: name,
		Data: &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
			DataPoints: []*metricspb.NumberDataPoint{{
				TimeUnixNano: 1000,
				Attributes:   attrs,
				Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: value},
			}},
		}},
	}
}

func sumMetric(name string) *metricspb.Metric {
	return &metricspb.Metric{
		Name: name,
		Data: &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			IsMonotonic:            true,
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
			DataPoints: []*metricspb.NumberDataPoint{{
				TimeUnixNano: 2000,
				Value:        &metricspb.NumberDataPoint_AsInt{AsInt: 7},
			}},
		}},
	}
}

func metricsRequest(service string, metrics ...*metricspb.Metric) []*metricspb.ResourceMetrics {
	return []*metricspb.ResourceMetrics{{
		Resource: resourceFor(service),
		ScopeMetrics: []*metricspb.ScopeMetrics{{
			Metrics: metrics,
		}},
	}}
}

// TestMetrics_KindsAndSeries tests kind detection, catalog entries, and
// series fingerprinting.
func TestMetrics_KindsAndSeries(t *testing.T) {
	n := testNormalizer(newFakeCatalog(10))

	batch := n.Metrics(metricsRequest("svc",
		gaugeMetric("mem.used", 10, strAttr("host", "a")),
		gaugeMetric("mem.used", 20, strAttr("host", "b")),
		sumMetric("http.requests"),
	), 50)

	require.Empty(t, batch.Conflicts)
	require.Len(t, batch.Catalog, 2)
	require.Equal(t, model.KindGauge, batch.Catalog[0].Kind)
	require.Equal(t, model.KindSum, batch.Catalog[1].Kind)
	require.Equal(t, "cumulative", batch.Catalog[1].Temporality)
	require.True(t, batch.Catalog[1].Monotonic)

	require.Len(t, batch.Series, 3, "distinct attribute sets must fingerprint apart")
	require.Len(t, batch.Points, 3)
	require.Equal(t, float64(7), batch.Points[2].Value, "int value not converted")
}

// TestMetrics_KindConflict tests rejection of a name re-declared with a
// different kind, both against the catalog and within one batch.
func TestMetrics_KindConflict(t *testing.T) {
	catalog := newFakeCatalog(10)
	catalog.entries["m"] = model.CatalogEntry{Name: "m", Kind: model.KindSum}
	n := testNormalizer(catalog)

	batch := n.Metrics(metricsRequest("svc", gaugeMetric("m", 1)), 0)
	require.Equal(t, []string{"m"}, batch.Conflicts)
	require.Equal(t, 1, batch.RejectedPoints)
	require.Empty(t, batch.Points)

	// In-batch: gauge admitted first, then sum for the same name.
	n2 := testNormalizer(newFakeCatalog(10))
	batch2 := n2.Metrics(metricsRequest("svc", gaugeMetric("x", 1), sumMetric("x")), 0)
	require.Equal(t, []string{"x"}, batch2.Conflicts)
	require.Len(t, batch2.Points, 1)
}

// TestMetrics_CardinalityDrop tests silent discard of names over budget.
func TestMetrics_CardinalityDrop(t *testing.T) {
	n := testNormalizer(newFakeCatalog(2))

	batch := n.Metrics(metricsRequest("svc",
		gaugeMetric("a", 1), gaugeMetric("b", 2), gaugeMetric("c", 3),
	), 0)

	require.Len(t, batch.Catalog, 2)
	require.Len(t, batch.Points, 2)
	require.Empty(t, batch.Conflicts, "cardinality drop must not be a conflict")
	require.Zero(t, batch.RejectedPoints, "cardinality drop is silent")
}

// TestMetrics_Exemplars tests exemplar extraction with trace references.
func TestMetrics_Exemplars(t *testing.T) {
	n := testNormalizer(newFakeCatalog(10))

	metric := &metricspb.Metric{
		Name: "latency",
		Data: &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
			DataPoints: []*metricspb.HistogramDataPoint{{
				TimeUnixNano:   1000,
				Count:          3,
				Sum:            proto.Float64(6),
				BucketCounts:   []uint64{1, 2},
				ExplicitBounds: []float64{5},
				Exemplars: []*metricspb.Exemplar{{
					TimeUnixNano: 900,
					Value:        &metricspb.Exemplar_AsDouble{AsDouble: 4.5},
					TraceId:      traceID(0x02),
					SpanId:       spanID(0x0B),
				}},
			}},
		}},
	}

	batch := n.Metrics(metricsRequest("svc", metric), 0)
	require.Len(t, batch.Points, 1)
	require.NotNil(t, batch.Points[0].Histogram)
	require.Len(t, batch.Exemplars, 1)
	ex := batch.Exemplars[0]
	require.Equal(t, 4.5, ex.Value)
	require.Equal(t, "02020202020202020202020202020202", ex.TraceID)
	require.Equal(t, batch.Points[0].Fingerprint, ex.Fingerprint)
}
