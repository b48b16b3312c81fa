// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the query API's prometheus self metrics.
//
// Metrics register once on the default registry via InitMetrics and are
// exposed by the /metrics endpoint alongside the ingest counters.
package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the query API instruments.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	StoreEntries    *prometheus.GaugeVec
}

var (
	metrics *Metrics
	once    sync.Once
)

// InitMetrics registers and returns the singleton metric set. Safe to call
// from multiple packages; registration happens once.
func InitMetrics() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tinyolly",
				Subsystem: "query",
				Name:      "requests_total",
				Help:      "Query API requests by route and status.",
			}, []string{"route", "status"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tinyolly",
				Subsystem: "query",
				Name:      "request_duration_seconds",
				Help:      "Query API latency by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			StoreEntries: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "tinyolly",
				Subsystem: "store",
				Name:      "entries",
				Help:      "Live store entries by record type, sampled on /api/stats.",
			}, []string{"type"}),
		}
	})
	return metrics
}

// RecordRequest observes one handled request.
func (m *Metrics) RecordRequest(route string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Middleware instruments every request with the singleton metric set.
func Middleware() gin.HandlerFunc {
	m := InitMetrics()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordRequest(route, c.Writer.Status(), time.Since(start))
	}
}

// Handler exposes the default prometheus registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
