// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/tinyolly/tinyolly/pkg/logging"
	"github.com/tinyolly/tinyolly/pkg/otelattr"
	"github.com/tinyolly/tinyolly/services/aggregate"
	"github.com/tinyolly/tinyolly/services/query/handlers"
	"github.com/tinyolly/tinyolly/services/query/routes"
	"github.com/tinyolly/tinyolly/services/receiver/model"
	"github.com/tinyolly/tinyolly/services/store"
)

type fixture struct {
	store  *store.Store
	router *gin.Engine
}

func newFixture(t *testing.T, selfService string, mutate func(*store.Config)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logging.New(logging.Config{Level: logging.LevelError, Quiet: true})

	config := store.InMemoryConfig()
	config.Logger = logger
	if mutate != nil {
		mutate(&config)
	}
	s, err := store.Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	engine := aggregate.New(s, logger, selfService)
	api := handlers.New(s, engine, logger, selfService)
	router := gin.New()
	routes.SetupRoutes(router, api, 0)

	return &fixture{store: s, router: router}
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.router.ServeHTTP(w, req)

	var body map[string]any
	if len(w.Body.Bytes()) > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body
}

func hexTrace(i int) string { return fmt.Sprintf("%032x", i) }
func hexSpan(i int) string  { return fmt.Sprintf("%016x", i) }

func putSpan(t *testing.T, s *store.Store, trace, span int, parent, service string, startNano, endNano uint64) {
	t.Helper()
	require.NoError(t, s.PutSpans([]model.Span{{
		Schema:       model.SchemaSpan,
		TraceID:      hexTrace(trace),
		SpanID:       hexSpan(span),
		ParentSpanID: parent,
		Name:         "GET /x",
		StartNano:    startNano,
		EndNano:      endNano,
		DurationNano: endNano - startNano,
		StatusCode:   model.StatusOK,
		ServiceName:  service,
		IngestNano:   endNano,
	}}))
}

// TestGetTrace tests trace fetch with span count and duration (ingest one
// 0.5 ms span, read it back).
func TestGetTrace(t *testing.T) {
	f := newFixture(t, "", nil)
	putSpan(t, f.store, 1, 1, "", "frontend", 1_000_000_000_000, 1_000_000_500_000)

	code, body := f.get(t, "/api/traces/"+hexTrace(1))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["span_count"])
	require.InDelta(t, 0.5, body["duration_ms"], 0.001)

	spans := body["spans"].([]any)
	require.Len(t, spans, 1)
	span := spans[0].(map[string]any)
	require.Equal(t, hexTrace(1), span["trace_id"])
	require.Equal(t, "frontend", span["service_name"])
}

// TestGetTrace_NotFound tests 404 for an unknown trace id.
func TestGetTrace_NotFound(t *testing.T) {
	f := newFixture(t, "", nil)
	code, _ := f.get(t, "/api/traces/"+hexTrace(99))
	require.Equal(t, http.StatusNotFound, code)
}

// TestListTraces tests ordering and the limit parameter.
func TestListTraces(t *testing.T) {
	f := newFixture(t, "", nil)
	for i := 1; i <= 5; i++ {
		putSpan(t, f.store, i, i, "", "svc", uint64(i*1000), uint64(i*1000+500))
	}

	code, body := f.get(t, "/api/traces?limit=3")
	require.Equal(t, http.StatusOK, code)
	traces := body["traces"].([]any)
	require.Len(t, traces, 3)
	first := traces[0].(map[string]any)
	require.Equal(t, hexTrace(5), first["trace_id"], "not newest first")
}

// TestListSpans_ServiceFilter tests the service query parameter.
func TestListSpans_ServiceFilter(t *testing.T) {
	f := newFixture(t, "", nil)
	putSpan(t, f.store, 1, 1, "", "a", 1000, 2000)
	putSpan(t, f.store, 2, 2, "", "b", 3000, 4000)

	code, body := f.get(t, "/api/spans?service=a")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["count"])
}

// TestListLogs_TraceFilterAndSeverity tests log correlation and that
// severity_number 9 surfaces as INFO.
func TestListLogs_TraceFilterAndSeverity(t *testing.T) {
	f := newFixture(t, "", nil)
	trace := hexTrace(1)
	require.NoError(t, f.store.PutLogs([]model.Log{
		{Schema: model.SchemaLog, ID: "log-1", TimeNano: 100, SeverityNumber: 9,
			SeverityText: "INFO", Body: otelattr.String("hi"), TraceID: trace,
			SpanID: hexSpan(1), ServiceName: "svc"},
		{Schema: model.SchemaLog, ID: "log-2", TimeNano: 200, SeverityNumber: 17,
			SeverityText: "ERROR", Body: otelattr.String("boom"), ServiceName: "svc"},
	}))

	code, body := f.get(t, "/api/logs?trace_id="+trace)
	require.Equal(t, http.StatusOK, code)
	logs := body["logs"].([]any)
	require.Len(t, logs, 1)
	log := logs[0].(map[string]any)
	require.Equal(t, "INFO", log["severity_text"])
	require.Equal(t, "hi", log["body"])

	code, body = f.get(t, "/api/logs?severity=ERROR")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["count"])
}

// TestSelfFilter tests that the backend's own telemetry never surfaces in
// default responses.
func TestSelfFilter(t *testing.T) {
	f := newFixture(t, "tinyolly", nil)
	putSpan(t, f.store, 1, 1, "", "tinyolly", 1000, 2000)
	putSpan(t, f.store, 2, 2, "", "user-app", 3000, 4000)

	_, body := f.get(t, "/api/spans")
	require.Equal(t, float64(1), body["count"])

	_, body = f.get(t, "/api/traces")
	traces := body["traces"].([]any)
	require.Len(t, traces, 1)
	require.Equal(t, hexTrace(2), traces[0].(map[string]any)["trace_id"])

	code, _ := f.get(t, "/api/traces/"+hexTrace(1))
	require.Equal(t, http.StatusNotFound, code, "self trace should be hidden")
}

// TestGetTrace_SelfSpanMixedTrace tests a trace whose earliest span is
// the backend's own: the remaining spans must come back exactly once and
// span_count must match them.
func TestGetTrace_SelfSpanMixedTrace(t *testing.T) {
	f := newFixture(t, "tinyolly", nil)
	putSpan(t, f.store, 1, 1, "", "tinyolly", 1000, 5000)
	putSpan(t, f.store, 1, 2, hexSpan(1), "frontend", 2000, 4000)
	putSpan(t, f.store, 1, 3, hexSpan(2), "backend", 2500, 3500)

	code, body := f.get(t, "/api/traces/"+hexTrace(1))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(2), body["span_count"])

	spans := body["spans"].([]any)
	require.Len(t, spans, 2)
	seen := make(map[string]int)
	for _, raw := range spans {
		seen[raw.(map[string]any)["span_id"].(string)]++
	}
	require.Equal(t, map[string]int{hexSpan(2): 1, hexSpan(3): 1}, seen)
}

func putGaugeSeries(t *testing.T, s *store.Store, name string, resource otelattr.Map, value float64) {
	t.Helper()
	ref := otelattr.Fingerprint(resource)
	fp := ref ^ 0x9E37 // distinct per resource for the test
	require.NoError(t, s.PutResources([]model.ResourceEntry{{
		Schema: model.SchemaResource, Ref: ref, Attrs: resource,
	}}))
	require.NoError(t, s.PutMetrics(store.MetricsBatch{
		Catalog: []model.CatalogEntry{{
			Schema: model.SchemaCatalog, Name: name, Kind: model.KindGauge,
		}},
		Series: []model.SeriesMeta{{
			Schema: model.SchemaSeries, MetricName: name, Fingerprint: fp,
			ResourceRef: ref, ServiceName: otelattr.ServiceName(resource), LastNano: 100,
		}},
		Points: []model.DataPoint{{
			Schema: model.SchemaDataPoint, MetricName: name, Fingerprint: fp,
			Kind: model.KindGauge, TimeNano: 100, Value: value,
		}},
	}))
	require.True(t, s.AdmitMetric(name))
}

func putAttrSeries(t *testing.T, s *store.Store, name string, attrs, resource otelattr.Map, times ...uint64) {
	t.Helper()
	ref := otelattr.Fingerprint(resource)
	fp := otelattr.Fingerprint(attrs) ^ ref
	require.NoError(t, s.PutResources([]model.ResourceEntry{{
		Schema: model.SchemaResource, Ref: ref, Attrs: resource,
	}}))

	points := make([]model.DataPoint, 0, len(times))
	for _, tm := range times {
		points = append(points, model.DataPoint{
			Schema: model.SchemaDataPoint, MetricName: name, Fingerprint: fp,
			Kind: model.KindGauge, TimeNano: tm, Value: 1,
		})
	}
	require.NoError(t, s.PutMetrics(store.MetricsBatch{
		Catalog: []model.CatalogEntry{{
			Schema: model.SchemaCatalog, Name: name, Kind: model.KindGauge,
		}},
		Series: []model.SeriesMeta{{
			Schema: model.SchemaSeries, MetricName: name, Fingerprint: fp,
			Attrs: attrs, ResourceRef: ref,
			ServiceName: otelattr.ServiceName(resource), LastNano: times[len(times)-1],
		}},
		Points: points,
	}))
	require.True(t, s.AdmitMetric(name))
}

// TestMetricQuery tests the range query endpoint: attribute.* filters
// select series and start_ns/end_ns bound the points.
func TestMetricQuery(t *testing.T) {
	f := newFixture(t, "", nil)
	resource := otelattr.Map{"service.name": otelattr.String("a")}
	putAttrSeries(t, f.store, "req.rate",
		otelattr.Map{"env": otelattr.String("prod")}, resource, 100, 900)
	putAttrSeries(t, f.store, "req.rate",
		otelattr.Map{"env": otelattr.String("dev")}, resource, 150)

	code, body := f.get(t, "/api/metrics/query?name=req.rate&start_ns=0&end_ns=1000&attribute.env=prod")
	require.Equal(t, http.StatusOK, code)
	series := body["series"].([]any)
	require.Len(t, series, 1)
	first := series[0].(map[string]any)
	require.Equal(t, "prod", first["attributes"].(map[string]any)["env"])
	require.Len(t, first["points"].([]any), 2)

	code, body = f.get(t, "/api/metrics/query?name=req.rate&start_ns=500&end_ns=1000&attribute.env=prod")
	require.Equal(t, http.StatusOK, code)
	series = body["series"].([]any)
	require.Len(t, series, 1)
	require.Len(t, series[0].(map[string]any)["points"].([]any), 1)

	code, _ = f.get(t, "/api/metrics/query")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = f.get(t, "/api/metrics/query?name=nope")
	require.Equal(t, http.StatusNotFound, code)
}

// TestLogStream tests one pass of the server-sent events feed: stored
// logs arrive as events, the backend's own logs do not.
func TestLogStream(t *testing.T) {
	f := newFixture(t, "tinyolly", nil)
	require.NoError(t, f.store.PutLogs([]model.Log{
		{Schema: model.SchemaLog, ID: "log-1", TimeNano: 100, SeverityText: "INFO",
			Body: otelattr.String("user log"), ServiceName: "svc"},
		{Schema: model.SchemaLog, ID: "log-2", TimeNano: 200, SeverityText: "INFO",
			Body: otelattr.String("own log"), ServiceName: "tinyolly"},
	}))

	// The deadline expires between the first poll pass and the next tick,
	// stopping the loop after one batch.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/logs/stream", nil).WithContext(ctx)
	f.router.ServeHTTP(w, req)

	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	require.Contains(t, body, "event:log")
	require.Contains(t, body, "user log")
	require.NotContains(t, body, "own log")
}

// TestGetMetric_ResourceFilter tests series listing with resource.*
// query parameters.
func TestGetMetric_ResourceFilter(t *testing.T) {
	f := newFixture(t, "", nil)
	putGaugeSeries(t, f.store, "mem.used",
		otelattr.Map{"service.name": otelattr.String("a"), "host.name": otelattr.String("web-1")}, 1)
	putGaugeSeries(t, f.store, "mem.used",
		otelattr.Map{"service.name": otelattr.String("b"), "host.name": otelattr.String("web-2")}, 2)

	code, body := f.get(t, "/api/metrics/mem.used")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "gauge", body["kind"])
	require.Len(t, body["series"].([]any), 2)

	code, body = f.get(t, "/api/metrics/mem.used?resource.host.name=web-1")
	require.Equal(t, http.StatusOK, code)
	series := body["series"].([]any)
	require.Len(t, series, 1)
	resource := series[0].(map[string]any)["resource"].(map[string]any)
	require.Equal(t, "web-1", resource["host.name"])

	code, _ = f.get(t, "/api/metrics/nope")
	require.Equal(t, http.StatusNotFound, code)
}

// TestMetricResources tests the distinct-resource listing.
func TestMetricResources(t *testing.T) {
	f := newFixture(t, "", nil)
	putGaugeSeries(t, f.store, "cpu",
		otelattr.Map{"service.name": otelattr.String("a")}, 1)
	putGaugeSeries(t, f.store, "cpu",
		otelattr.Map{"service.name": otelattr.String("b")}, 2)

	code, body := f.get(t, "/api/metrics/cpu/resources")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(2), body["count"])
}

// TestStats_CardinalityDrop tests the stats surface under the
// cardinality limit: a budget of 2 with three names admits two.
func TestStats_CardinalityDrop(t *testing.T) {
	f := newFixture(t, "", func(c *store.Config) { c.MaxMetricNames = 2 })

	f.store.AdmitMetric("a")
	f.store.AdmitMetric("b")
	f.store.AdmitMetric("c")

	code, body := f.get(t, "/api/stats")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(2), body["metrics"])
	require.GreaterOrEqual(t, body["metrics_dropped"].(float64), float64(1))
	require.Equal(t, float64(2), body["max_metric_cardinality"])
}

// TestServiceMapEndpoint tests the edge between two services over HTTP.
func TestServiceMapEndpoint(t *testing.T) {
	f := newFixture(t, "", nil)
	putSpan(t, f.store, 1, 1, "", "frontend", 1000, 3000)
	putSpan(t, f.store, 1, 2, hexSpan(1), "backend", 1500, 2500)

	code, body := f.get(t, "/api/service-map")
	require.Equal(t, http.StatusOK, code)
	edges := body["edges"].([]any)
	require.Len(t, edges, 1)
	edge := edges[0].(map[string]any)
	require.Equal(t, "frontend", edge["source"])
	require.Equal(t, "backend", edge["target"])
	require.Equal(t, float64(1), edge["call_count"])
}

// TestHealthAndPromMetrics tests liveness and the prometheus exposition
// endpoint.
func TestHealthAndPromMetrics(t *testing.T) {
	f := newFixture(t, "", nil)

	code, body := f.get(t, "/health")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "tinyolly_query_requests_total")
}
