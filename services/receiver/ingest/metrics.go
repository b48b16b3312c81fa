// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Self-instrumentation counters, exported on the query API's /metrics
// endpoint via the default registry.
var (
	spansReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tinyolly",
		Subsystem: "ingest",
		Name:      "spans_received_total",
		Help:      "Spans received over OTLP, including rejected ones.",
	})
	spansRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tinyolly",
		Subsystem: "ingest",
		Name:      "spans_rejected_total",
		Help:      "Spans rejected by validation.",
	})
	logsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tinyolly",
		Subsystem: "ingest",
		Name:      "logs_received_total",
		Help:      "Log records received over OTLP.",
	})
	logsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tinyolly",
		Subsystem: "ingest",
		Name:      "logs_rejected_total",
		Help:      "Log records rejected by validation.",
	})
	pointsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tinyolly",
		Subsystem: "ingest",
		Name:      "metric_points_received_total",
		Help:      "Metric datapoints received over OTLP.",
	})
	pointsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tinyolly",
		Subsystem: "ingest",
		Name:      "metric_points_rejected_total",
		Help:      "Metric datapoints rejected for kind conflicts.",
	})
	backpressureTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tinyolly",
		Subsystem: "ingest",
		Name:      "backpressure_total",
		Help:      "Requests shed with Unavailable/503.",
	})
)
