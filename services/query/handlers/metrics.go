// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tinyolly/tinyolly/pkg/otelattr"
	"github.com/tinyolly/tinyolly/services/query/observability"
	"github.com/tinyolly/tinyolly/services/receiver/model"
	"github.com/tinyolly/tinyolly/services/store"
)

const defaultPointLimit = 500

// ListMetrics serves GET /api/metrics: the metric catalog.
func (a *API) ListMetrics(c *gin.Context) {
	catalog, err := a.store.MetricCatalog(c.Request.Context())
	if err != nil {
		a.internalError(c, err)
		return
	}

	type catalogView struct {
		model.CatalogEntry
		Kind string `json:"kind"`
	}
	views := make([]catalogView, 0, len(catalog))
	for _, entry := range catalog {
		views = append(views, catalogView{CatalogEntry: entry, Kind: entry.Kind.String()})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": views, "count": len(views)})
}

// pointView is a datapoint plus, for exponential histograms, an
// explicit-bound rendering clients can chart without decoding the native
// base-2 layout.
type pointView struct {
	model.DataPoint
	Expanded *model.HistogramPoint `json:"expanded_histogram,omitempty"`
}

func pointViews(points []model.DataPoint) []pointView {
	views := make([]pointView, 0, len(points))
	for _, point := range points {
		view := pointView{DataPoint: point}
		if point.Kind == model.KindExponentialHistogram {
			view.Expanded = expandExpHistogram(point.ExpHistogram)
		}
		views = append(views, view)
	}
	return views
}

// seriesView is one series with metadata, points, and exemplars.
type seriesView struct {
	Fingerprint string           `json:"fingerprint"`
	Service     string           `json:"service_name"`
	Attrs       otelattr.Map     `json:"attributes,omitempty"`
	Resource    otelattr.Map     `json:"resource,omitempty"`
	LastNano    uint64           `json:"last_update_ns"`
	Points      []pointView      `json:"points"`
	Exemplars   []model.Exemplar `json:"exemplars,omitempty"`
}

// GetMetric serves GET /api/metrics/:name, optionally filtered by
// resource.* query parameters (e.g. ?resource.host.name=web-1).
func (a *API) GetMetric(c *gin.Context) {
	name := c.Param("name")

	entry, err := a.store.GetCatalogEntry(name)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "metric not found"})
		return
	}
	if err != nil {
		a.internalError(c, err)
		return
	}

	series, err := a.store.SeriesForMetric(c.Request.Context(), name)
	if err != nil {
		a.internalError(c, err)
		return
	}

	filters := resourceFilters(c)
	limit := limitParam(c, defaultPointLimit)
	cache := make(resourceCache)

	views := make([]seriesView, 0, len(series))
	for _, meta := range series {
		resource := a.resolveResource(cache, meta.ResourceRef)
		if !matchesFilters(resource, filters) {
			continue
		}

		points, err := a.store.SeriesPoints(c.Request.Context(), name, meta.Fingerprint, limit)
		if err != nil {
			a.internalError(c, err)
			return
		}
		exemplars, err := a.store.SeriesExemplars(c.Request.Context(), name, meta.Fingerprint, limit)
		if err != nil {
			a.internalError(c, err)
			return
		}

		views = append(views, seriesView{
			Fingerprint: fingerprintHex(meta.Fingerprint),
			Service:     meta.ServiceName,
			Attrs:       meta.Attrs,
			Resource:    resource,
			LastNano:    meta.LastNano,
			Points:      pointViews(points),
			Exemplars:   exemplars,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"name":        entry.Name,
		"kind":        entry.Kind.String(),
		"unit":        entry.Unit,
		"description": entry.Description,
		"temporality": entry.Temporality,
		"series":      views,
	})
}

// defaultQueryWindow is the time range served when a range query names
// neither bound.
const defaultQueryWindow = 10 * time.Minute

// MetricQuery serves GET /api/metrics/query?name=&start_ns=&end_ns=.
// Series are filtered by resource.* and attribute.* query parameters,
// points by the nanosecond time range. Without bounds the window is the
// last ten minutes.
func (a *API) MetricQuery(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name parameter is required"})
		return
	}

	entry, err := a.store.GetCatalogEntry(name)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "metric not found"})
		return
	}
	if err != nil {
		a.internalError(c, err)
		return
	}

	series, err := a.store.SeriesForMetric(c.Request.Context(), name)
	if err != nil {
		a.internalError(c, err)
		return
	}

	resFilters := resourceFilters(c)
	attrFilters := prefixedFilters(c, "attribute.")
	startNano, endNano := timeRange(c)
	limit := limitParam(c, defaultPointLimit)
	cache := make(resourceCache)

	views := make([]seriesView, 0, len(series))
	for _, meta := range series {
		resource := a.resolveResource(cache, meta.ResourceRef)
		if !matchesFilters(resource, resFilters) || !matchesFilters(meta.Attrs, attrFilters) {
			continue
		}

		points, err := a.store.SeriesPoints(c.Request.Context(), name, meta.Fingerprint, 0)
		if err != nil {
			a.internalError(c, err)
			return
		}
		inRange := points[:0]
		for _, point := range points {
			if point.TimeNano >= startNano && point.TimeNano <= endNano {
				inRange = append(inRange, point)
			}
		}
		if len(inRange) == 0 {
			continue
		}
		if limit > 0 && len(inRange) > limit {
			inRange = inRange[len(inRange)-limit:]
		}

		views = append(views, seriesView{
			Fingerprint: fingerprintHex(meta.Fingerprint),
			Service:     meta.ServiceName,
			Attrs:       meta.Attrs,
			Resource:    resource,
			LastNano:    meta.LastNano,
			Points:      pointViews(inRange),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"name":        entry.Name,
		"kind":        entry.Kind.String(),
		"unit":        entry.Unit,
		"description": entry.Description,
		"start_ns":    startNano,
		"end_ns":      endNano,
		"series":      views,
		"filters":     gin.H{"resource": resFilters, "attributes": attrFilters},
	})
}

// timeRange reads start_ns and end_ns, defaulting to the trailing query
// window ending now.
func timeRange(c *gin.Context) (startNano, endNano uint64) {
	endNano = nanoParam(c, "end_ns", uint64(time.Now().UnixNano()))
	window := uint64(defaultQueryWindow.Nanoseconds())
	start := uint64(0)
	if endNano > window {
		start = endNano - window
	}
	return nanoParam(c, "start_ns", start), endNano
}

func nanoParam(c *gin.Context, key string, fallback uint64) uint64 {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// MetricResources serves GET /api/metrics/:name/resources: the distinct
// resource attribute sets feeding a metric.
func (a *API) MetricResources(c *gin.Context) {
	name := c.Param("name")
	series, err := a.store.SeriesForMetric(c.Request.Context(), name)
	if err != nil {
		a.internalError(c, err)
		return
	}
	if len(series) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "metric not found"})
		return
	}

	cache := make(resourceCache)
	seen := make(map[uint64]struct{})
	resources := make([]otelattr.Map, 0, len(series))
	for _, meta := range series {
		if _, dup := seen[meta.ResourceRef]; dup {
			continue
		}
		seen[meta.ResourceRef] = struct{}{}
		if attrs := a.resolveResource(cache, meta.ResourceRef); attrs != nil {
			resources = append(resources, attrs)
		}
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "resources": resources, "count": len(resources)})
}

// MetricAttributes serves GET /api/metrics/:name/attributes: the distinct
// datapoint attribute sets of a metric.
func (a *API) MetricAttributes(c *gin.Context) {
	name := c.Param("name")
	series, err := a.store.SeriesForMetric(c.Request.Context(), name)
	if err != nil {
		a.internalError(c, err)
		return
	}
	if len(series) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "metric not found"})
		return
	}

	attrs := make([]otelattr.Map, 0, len(series))
	for _, meta := range series {
		attrs = append(attrs, meta.Attrs)
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "attributes": attrs, "count": len(attrs)})
}

// ServiceCatalog serves GET /api/service-catalog.
func (a *API) ServiceCatalog(c *gin.Context) {
	catalog, err := a.engine.ServiceCatalog(c.Request.Context())
	if err != nil {
		a.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": catalog, "count": len(catalog)})
}

// ServiceMap serves GET /api/service-map?limit=.
func (a *API) ServiceMap(c *gin.Context) {
	m, err := a.engine.ServiceMap(c.Request.Context(), limitParam(c, 0))
	if err != nil {
		a.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Cardinality serves GET /api/cardinality.
func (a *API) Cardinality(c *gin.Context) {
	results, err := a.engine.Cardinality(c.Request.Context())
	if err != nil {
		a.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": results, "count": len(results)})
}

// Stats serves GET /api/stats and refreshes the store-entry gauges.
func (a *API) Stats(c *gin.Context) {
	stats, err := a.store.Stats(c.Request.Context())
	if err != nil {
		a.internalError(c, err)
		return
	}

	m := observability.InitMetrics()
	m.StoreEntries.WithLabelValues("traces").Set(float64(stats.Traces))
	m.StoreEntries.WithLabelValues("spans").Set(float64(stats.Spans))
	m.StoreEntries.WithLabelValues("logs").Set(float64(stats.Logs))
	m.StoreEntries.WithLabelValues("metrics").Set(float64(stats.Metrics))

	c.JSON(http.StatusOK, stats)
}

// resourceFilters extracts resource.* query parameters.
func resourceFilters(c *gin.Context) map[string]string {
	return prefixedFilters(c, "resource.")
}

func prefixedFilters(c *gin.Context, prefix string) map[string]string {
	filters := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if strings.HasPrefix(key, prefix) && len(values) > 0 {
			filters[strings.TrimPrefix(key, prefix)] = values[0]
		}
	}
	return filters
}

func matchesFilters(resource otelattr.Map, filters map[string]string) bool {
	for key, want := range filters {
		v, ok := resource[key]
		if !ok || v.Kind != otelattr.KindString || v.Str != want {
			return false
		}
	}
	return true
}

func fingerprintHex(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}
