// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aggregate

import (
	"context"
	"sort"

	"github.com/tinyolly/tinyolly/pkg/otelattr"
	"github.com/tinyolly/tinyolly/services/receiver/model"
)

// ServiceEntry is one service's RED summary in the catalog.
type ServiceEntry struct {
	Service       string  `json:"service"`
	SpanCount     int     `json:"span_count"`
	TraceCount    int     `json:"trace_count"`
	FirstSeenNano uint64  `json:"first_seen_ns"`
	LastSeenNano  uint64  `json:"last_seen_ns"`
	Rate          float64 `json:"rate"`
	ErrorRate     float64 `json:"error_rate"`
	P50Ms         float64 `json:"p50_ms"`
	P95Ms         float64 `json:"p95_ms"`
	P99Ms         float64 `json:"p99_ms"`
}

// ServiceCatalog computes the catalog over the recent-span sample,
// serving a cached result when it is fresher than the cache TTL.
//
// Percentiles prefer spanmetrics histograms when a collector exports
// them (their buckets cover every span, not just the sample); otherwise
// they fall back to the sampled span durations. Both paths interpolate
// linearly.
func (e *Engine) ServiceCatalog(ctx context.Context) ([]ServiceEntry, error) {
	e.mu.Lock()
	if e.catalogCache.value != nil && e.now().Sub(e.catalogCache.at) < cacheTTL {
		entries := e.catalogCache.value
		e.mu.Unlock()
		return entries, nil
	}
	e.mu.Unlock()

	spans, err := e.sampleSpans(ctx)
	if err != nil {
		return nil, err
	}

	type acc struct {
		spanCount int
		errors    int
		traces    map[string]struct{}
		durations []float64 // milliseconds
		first     uint64
		last      uint64
	}
	services := make(map[string]*acc)

	for _, span := range spans {
		a, ok := services[span.ServiceName]
		if !ok {
			a = &acc{traces: make(map[string]struct{}), first: span.StartNano}
			services[span.ServiceName] = a
		}
		a.spanCount++
		a.traces[span.TraceID] = struct{}{}
		a.durations = append(a.durations, float64(span.DurationNano)/1e6)
		if span.StatusCode == model.StatusError {
			a.errors++
		}
		if span.StartNano < a.first {
			a.first = span.StartNano
		}
		if span.EndNano > a.last {
			a.last = span.EndNano
		}
	}

	entries := make([]ServiceEntry, 0, len(services))
	for service, a := range services {
		entry := ServiceEntry{
			Service:       service,
			SpanCount:     a.spanCount,
			TraceCount:    len(a.traces),
			FirstSeenNano: a.first,
			LastSeenNano:  a.last,
			ErrorRate:     100 * float64(a.errors) / float64(a.spanCount),
		}

		windowSeconds := float64(a.last-a.first) / 1e9
		if windowSeconds < 1 {
			windowSeconds = 1
		}
		entry.Rate = float64(a.spanCount) / windowSeconds

		if bounds, counts, ok := e.spanmetricsBuckets(ctx, service); ok {
			entry.P50Ms = percentileFromBuckets(bounds, counts, 0.50)
			entry.P95Ms = percentileFromBuckets(bounds, counts, 0.95)
			entry.P99Ms = percentileFromBuckets(bounds, counts, 0.99)
		} else {
			entry.P50Ms = percentileFromSamples(a.durations, 0.50)
			entry.P95Ms = percentileFromSamples(a.durations, 0.95)
			entry.P99Ms = percentileFromSamples(a.durations, 0.99)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Service < entries[j].Service })

	e.mu.Lock()
	e.catalogCache = cached[[]ServiceEntry]{value: entries, at: e.now()}
	e.mu.Unlock()
	return entries, nil
}

// spanmetricsBuckets merges the latest duration-histogram point of every
// series belonging to the service. Series whose bucket layout differs from
// the first one seen are skipped rather than mis-merged.
func (e *Engine) spanmetricsBuckets(ctx context.Context, service string) (bounds []float64, counts []uint64, ok bool) {
	series, err := e.store.SeriesForMetric(ctx, durationMetric)
	if err != nil || len(series) == 0 {
		return nil, nil, false
	}

	for _, meta := range series {
		if name, found := meta.Attrs["service.name"]; !found ||
			name.Kind != otelattr.KindString || name.Str != service {
			continue
		}
		points, err := e.store.SeriesPoints(ctx, durationMetric, meta.Fingerprint, 1)
		if err != nil || len(points) == 0 || points[0].Histogram == nil {
			continue
		}
		h := points[0].Histogram
		if len(h.BucketCounts) != len(h.Bounds)+1 {
			continue
		}
		if bounds == nil {
			bounds = h.Bounds
			counts = make([]uint64, len(h.BucketCounts))
		} else if !sameBounds(bounds, h.Bounds) {
			e.logger.Warn("skipping spanmetrics series with mismatched buckets",
				"service", service)
			continue
		}
		for i, c := range h.BucketCounts {
			counts[i] += c
		}
	}
	return bounds, counts, bounds != nil
}

func sameBounds(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
