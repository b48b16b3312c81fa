// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package aggregate derives views from stored telemetry on demand.
//
// Three views: the service catalog (RED metrics per service), the service
// dependency map, and per-metric cardinality analysis. Views stream the
// store's indexes over a bounded sample and hold no state beyond short
// result caches, so they always reflect the live retention window.
//
// Spans whose service matches the backend's own identity are excluded
// everywhere; the backend must not chart its own telemetry.
package aggregate

import (
	"context"
	"sync"
	"time"

	"github.com/tinyolly/tinyolly/pkg/logging"
	"github.com/tinyolly/tinyolly/services/receiver/model"
	"github.com/tinyolly/tinyolly/services/store"
)

const (
	// spanSampleLimit bounds how many recent spans one aggregation pass
	// reads. Aggregations stream an index sample, never the full store.
	spanSampleLimit = 5000

	// cacheTTL is how long catalog and map results are reused.
	cacheTTL = 5 * time.Second

	// durationMetric is the spanmetrics histogram consulted for
	// percentiles when a collector exports it.
	durationMetric = "traces.span.metrics.duration"

	// activeSeriesWindow defines an "active" series: at least one update
	// within the last hour.
	activeSeriesWindow = time.Hour
)

// Engine computes aggregation views over the store.
//
// Safe for concurrent use; the caches are mutex-guarded and everything
// else is read-only.
type Engine struct {
	store       *store.Store
	logger      *logging.Logger
	selfService string

	now func() time.Time

	mu           sync.Mutex
	catalogCache cached[[]ServiceEntry]
	mapCache     cached[*ServiceMap]
}

type cached[T any] struct {
	value T
	at    time.Time
}

// New creates an Engine. selfService is the backend's own service.name,
// filtered out of every view.
func New(s *store.Store, logger *logging.Logger, selfService string) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		store:       s,
		logger:      logger,
		selfService: selfService,
		now:         time.Now,
	}
}

// sampleSpans reads the bounded recent-span sample with the self filter
// applied.
func (e *Engine) sampleSpans(ctx context.Context) ([]model.Span, error) {
	spans, err := e.store.RecentSpans(ctx, spanSampleLimit, "")
	if err != nil {
		return nil, err
	}
	if e.selfService == "" {
		return spans, nil
	}
	kept := spans[:0]
	for _, span := range spans {
		if span.ServiceName != e.selfService {
			kept = append(kept, span)
		}
	}
	return kept, nil
}
