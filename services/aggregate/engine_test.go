// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aggregate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinyolly/tinyolly/pkg/logging"
	"github.com/tinyolly/tinyolly/pkg/otelattr"
	"github.com/tinyolly/tinyolly/services/receiver/model"
	"github.com/tinyolly/tinyolly/services/store"
)

func testEngine(t *testing.T, selfService string) (*Engine, *store.Store) {
	t.Helper()
	logger := logging.New(logging.Config{Level: logging.LevelError, Quiet: true})

	config := store.InMemoryConfig()
	config.Logger = logger
	s, err := store.Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return New(s, logger, selfService), s
}

func hexTrace(i int) string { return fmt.Sprintf("%032x", i) }
func hexSpan(i int) string  { return fmt.Sprintf("%016x", i) }

func span(trace, span int, parent, service string, startNano, durNano uint64, status int32, attrs otelattr.Map) model.Span {
	return model.Span{
		Schema:       model.SchemaSpan,
		TraceID:      hexTrace(trace),
		SpanID:       hexSpan(span),
		ParentSpanID: parent,
		Name:         "op",
		StartNano:    startNano,
		EndNano:      startNano + durNano,
		DurationNano: durNano,
		StatusCode:   status,
		ServiceName:  service,
		Attrs:        attrs,
		IngestNano:   startNano,
	}
}

// TestServiceCatalog_REDFromSamples tests percentiles, error rate, and
// counts computed from span samples: 100 spans uniform in [0,100] ms
// give p50 about 50 and p95 about 95.
func TestServiceCatalog_REDFromSamples(t *testing.T) {
	e, s := testEngine(t, "")

	var spans []model.Span
	for i := 1; i <= 100; i++ {
		durNano := uint64(i) * 1_000_000 // 1..100 ms
		spans = append(spans, span(i, i, "", "svc", uint64(1000+i), durNano, model.StatusUnset, nil))
	}
	require.NoError(t, s.PutSpans(spans))

	catalog, err := e.ServiceCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog, 1)

	entry := catalog[0]
	require.Equal(t, "svc", entry.Service)
	require.Equal(t, 100, entry.SpanCount)
	require.Equal(t, 100, entry.TraceCount)
	require.Zero(t, entry.ErrorRate)
	require.InDelta(t, 50, entry.P50Ms, 5)
	require.InDelta(t, 95, entry.P95Ms, 5)
	require.InDelta(t, 99, entry.P99Ms, 5)
}

// TestServiceCatalog_ErrorRate tests error percentage from span status.
func TestServiceCatalog_ErrorRate(t *testing.T) {
	e, s := testEngine(t, "")

	var spans []model.Span
	for i := 1; i <= 10; i++ {
		status := model.StatusOK
		if i <= 3 {
			status = model.StatusError
		}
		spans = append(spans, span(i, i, "", "api", uint64(i*1000), 1_000_000, status, nil))
	}
	require.NoError(t, s.PutSpans(spans))

	catalog, err := e.ServiceCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	require.InDelta(t, 30, catalog[0].ErrorRate, 0.01)
}

// TestServiceCatalog_SpanmetricsHistogram tests that spanmetrics buckets
// take precedence over samples, with linear-within-bucket interpolation.
func TestServiceCatalog_SpanmetricsHistogram(t *testing.T) {
	e, s := testEngine(t, "")

	require.NoError(t, s.PutSpans([]model.Span{
		span(1, 1, "", "svc", 1000, 1_000_000, model.StatusUnset, nil),
	}))

	attrs := otelattr.Map{"service.name": otelattr.String("svc")}
	fp := otelattr.Fingerprint(attrs)
	require.NoError(t, s.PutMetrics(store.MetricsBatch{
		Catalog: []model.CatalogEntry{{
			Schema: model.SchemaCatalog, Name: durationMetric, Kind: model.KindHistogram,
		}},
		Series: []model.SeriesMeta{{
			Schema: model.SchemaSeries, MetricName: durationMetric, Fingerprint: fp,
			Attrs: attrs, ServiceName: "svc", LastNano: 2000,
		}},
		Points: []model.DataPoint{{
			Schema: model.SchemaDataPoint, MetricName: durationMetric, Fingerprint: fp,
			Kind: model.KindHistogram, TimeNano: 2000,
			Histogram: &model.HistogramPoint{
				Count:        100,
				Sum:          5000,
				BucketCounts: []uint64{50, 50, 0}, // [0,50): 50, [50,100): 50
				Bounds:       []float64{50, 100},
			},
		}},
	}))

	catalog, err := e.ServiceCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog, 1)

	// Rank 50 falls exactly at the first bucket's upper edge; rank 95
	// sits 90% into the second bucket.
	require.InDelta(t, 50, catalog[0].P50Ms, 0.01)
	require.InDelta(t, 95, catalog[0].P95Ms, 0.01)
}

// TestServiceCatalog_SelfFilter tests that the backend's own spans are
// excluded.
func TestServiceCatalog_SelfFilter(t *testing.T) {
	e, s := testEngine(t, "tinyolly")

	require.NoError(t, s.PutSpans([]model.Span{
		span(1, 1, "", "tinyolly", 1000, 1_000_000, model.StatusUnset, nil),
		span(2, 2, "", "user-app", 2000, 1_000_000, model.StatusUnset, nil),
	}))

	catalog, err := e.ServiceCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	require.Equal(t, "user-app", catalog[0].Service)
}

// TestServiceMap_EdgeInference tests the parent-lookup edge with weight
// and node typing.
func TestServiceMap_EdgeInference(t *testing.T) {
	e, s := testEngine(t, "")

	require.NoError(t, s.PutSpans([]model.Span{
		span(1, 1, "", "frontend", 1000, 2_000_000, model.StatusUnset, nil),
		span(1, 2, hexSpan(1), "backend", 1100, 1_000_000, model.StatusUnset, nil),
	}))

	m, err := e.ServiceMap(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, m.Edges, 1)
	edge := m.Edges[0]
	require.Equal(t, "frontend", edge.Source)
	require.Equal(t, "backend", edge.Target)
	require.Equal(t, 1, edge.CallCount)

	types := map[string]string{}
	for _, node := range m.Nodes {
		types[node.ID] = node.Type
	}
	require.Equal(t, NodeClient, types["frontend"])
	require.Equal(t, NodeExternal, types["backend"])
}

// TestServiceMap_SynthesizedBackends tests db.system and messaging.system
// leaf nodes.
func TestServiceMap_SynthesizedBackends(t *testing.T) {
	e, s := testEngine(t, "")

	require.NoError(t, s.PutSpans([]model.Span{
		span(1, 1, "", "api", 1000, 1_000_000, model.StatusUnset,
			otelattr.Map{"db.system": otelattr.String("postgresql")}),
		span(2, 2, "", "api", 2000, 1_000_000, model.StatusUnset,
			otelattr.Map{"messaging.system": otelattr.String("kafka")}),
	}))

	m, err := e.ServiceMap(context.Background(), 0)
	require.NoError(t, err)

	types := map[string]string{}
	for _, node := range m.Nodes {
		types[node.ID] = node.Type
	}
	require.Equal(t, NodeDatabase, types["postgresql"])
	require.Equal(t, NodeMessaging, types["kafka"])
	require.Equal(t, NodeClient, types["api"])
	require.Len(t, m.Edges, 2)
}

// TestServiceMap_IsolatedNode tests that a service with no relations is
// typed isolated.
func TestServiceMap_IsolatedNode(t *testing.T) {
	e, s := testEngine(t, "")

	require.NoError(t, s.PutSpans([]model.Span{
		span(1, 1, "", "loner", 1000, 1_000_000, model.StatusUnset, nil),
	}))

	m, err := e.ServiceMap(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, m.Nodes, 1)
	require.Equal(t, NodeIsolated, m.Nodes[0].Type)
	require.Empty(t, m.Edges)
}

// TestCardinality tests dimensions, distinct values, and the active-series
// window.
func TestCardinality(t *testing.T) {
	e, s := testEngine(t, "")

	now := uint64(time.Now().UnixNano())
	stale := uint64(time.Now().Add(-2 * time.Hour).UnixNano())

	var series []model.SeriesMeta
	for i, host := range []string{"a", "b", "c"} {
		attrs := otelattr.Map{
			"host":   otelattr.String(host),
			"region": otelattr.String("eu"),
		}
		last := now
		if i == 2 {
			last = stale
		}
		series = append(series, model.SeriesMeta{
			Schema: model.SchemaSeries, MetricName: "cpu.usage",
			Fingerprint: uint64(i + 1), Attrs: attrs, LastNano: last,
		})
	}
	require.NoError(t, s.PutMetrics(store.MetricsBatch{
		Catalog: []model.CatalogEntry{{
			Schema: model.SchemaCatalog, Name: "cpu.usage", Kind: model.KindGauge,
		}},
		Series: series,
	}))
	require.True(t, s.AdmitMetric("cpu.usage"))

	results, err := e.Cardinality(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	require.Equal(t, "cpu.usage", r.Name)
	require.Equal(t, 3, r.SeriesCount)
	require.Equal(t, 2, r.ActiveSeries, "stale series counted as active")
	require.Len(t, r.Dimensions, 2)
	require.Equal(t, "host", r.Dimensions[0].Key)
	require.Equal(t, 3, r.Dimensions[0].Cardinality)
	require.Equal(t, "region", r.Dimensions[1].Key)
	require.Equal(t, 1, r.Dimensions[1].Cardinality)
	require.Equal(t, 3, r.Dimensions[1].TopValues[0].Count)
}

// TestCatalogCache tests that results inside the TTL are reused.
func TestCatalogCache(t *testing.T) {
	e, s := testEngine(t, "")

	require.NoError(t, s.PutSpans([]model.Span{
		span(1, 1, "", "svc", 1000, 1_000_000, model.StatusUnset, nil),
	}))

	first, err := e.ServiceCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	// New spans must not appear until the cache expires.
	require.NoError(t, s.PutSpans([]model.Span{
		span(2, 2, "", "other", 2000, 1_000_000, model.StatusUnset, nil),
	}))
	second, err := e.ServiceCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, second, 1)

	// Move the clock past the TTL.
	e.now = func() time.Time { return time.Now().Add(cacheTTL + time.Second) }
	third, err := e.ServiceCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, third, 2)
}

// TestPercentileFromBuckets tests the interpolation edges.
func TestPercentileFromBuckets(t *testing.T) {
	bounds := []float64{10, 20}
	counts := []uint64{10, 10, 0}

	require.InDelta(t, 5, percentileFromBuckets(bounds, counts, 0.25), 0.01)
	require.InDelta(t, 10, percentileFromBuckets(bounds, counts, 0.50), 0.01)
	require.InDelta(t, 15, percentileFromBuckets(bounds, counts, 0.75), 0.01)

	// Overflow bucket contributes its lower bound.
	require.InDelta(t, 20, percentileFromBuckets(bounds, []uint64{0, 0, 5}, 0.5), 0.01)

	require.Zero(t, percentileFromBuckets(nil, nil, 0.5))
	require.Zero(t, percentileFromBuckets(bounds, []uint64{0, 0, 0}, 0.5))
}
