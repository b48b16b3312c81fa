// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ingest exposes the OTLP ingestion endpoint.
//
// Two surfaces share one pipeline: the gRPC Export services (primary, the
// bundled collector speaks this) and the HTTP /v1/traces|logs|metrics
// endpoints (protobuf or JSON bodies). Both normalize the request, write
// the records, and answer with OTLP partial-success counters.
//
// Backpressure: a bounded in-flight gate plus the store's capacity signal.
// When either trips, requests fail fast with Unavailable/503 and a
// retry-after hint that doubles while pressure persists.
package ingest

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tinyolly/tinyolly/pkg/logging"
	"github.com/tinyolly/tinyolly/services/receiver/model"
	"github.com/tinyolly/tinyolly/services/receiver/normalize"
	"github.com/tinyolly/tinyolly/services/store"

	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// ErrBackpressure reports that the endpoint is shedding load. Callers map
// it to gRPC Unavailable or HTTP 503 plus the pipeline's retry-after hint.
var ErrBackpressure = errors.New("ingest: backpressure")

const (
	// DefaultMaxBodyBytes caps one OTLP request (gRPC message or HTTP
	// body).
	DefaultMaxBodyBytes = 16 * 1024 * 1024

	defaultMaxInFlight = 64
	minRetrySeconds    = 1
	maxRetrySeconds    = 60
)

// Pipeline is the shared ingest path behind both wire surfaces.
type Pipeline struct {
	store      *store.Store
	normalizer *normalize.Normalizer
	logger     *logging.Logger

	gate         chan struct{}
	retrySeconds atomic.Int64

	now func() time.Time
}

// NewPipeline wires the ingest path. maxInFlight bounds concurrently
// handled requests; zero uses the default.
func NewPipeline(s *store.Store, n *normalize.Normalizer, logger *logging.Logger, maxInFlight int) *Pipeline {
	if logger == nil {
		logger = logging.Default()
	}
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	p := &Pipeline{
		store:      s,
		normalizer: n,
		logger:     logger,
		gate:       make(chan struct{}, maxInFlight),
		now:        time.Now,
	}
	p.retrySeconds.Store(minRetrySeconds)
	return p
}

// acquire claims an in-flight slot, failing fast under pressure.
func (p *Pipeline) acquire() error {
	select {
	case p.gate <- struct{}{}:
	default:
		p.bumpRetry()
		return ErrBackpressure
	}
	if p.store.OverCapacity() {
		<-p.gate
		p.bumpRetry()
		return ErrBackpressure
	}
	return nil
}

func (p *Pipeline) release() { <-p.gate }

// RetryAfterSeconds is the current backoff hint for shed requests.
func (p *Pipeline) RetryAfterSeconds() int64 { return p.retrySeconds.Load() }

func (p *Pipeline) bumpRetry() {
	for {
		cur := p.retrySeconds.Load()
		next := cur * 2
		if next > maxRetrySeconds {
			next = maxRetrySeconds
		}
		if cur == next || p.retrySeconds.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (p *Pipeline) resetRetry() { p.retrySeconds.Store(minRetrySeconds) }

// Traces ingests one OTLP trace request and returns the count of rejected
// spans for the partial-success response.
func (p *Pipeline) Traces(req []*tracepb.ResourceSpans) (rejected int, err error) {
	if err := p.acquire(); err != nil {
		return 0, err
	}
	defer p.release()

	batch := p.normalizer.Spans(req, uint64(p.now().UnixNano()))
	if err := p.persistResources(batch.Resources); err != nil {
		return 0, err
	}
	if err := p.persistScopes(batch.Scopes); err != nil {
		return 0, err
	}
	if err := p.store.PutSpans(batch.Spans); err != nil {
		return 0, p.storeErr("spans", err)
	}

	spansReceived.Add(float64(len(batch.Spans) + batch.Rejected))
	spansRejected.Add(float64(batch.Rejected))
	p.resetRetry()
	return batch.Rejected, nil
}

// Logs ingests one OTLP logs request.
func (p *Pipeline) Logs(req []*logspb.ResourceLogs) (rejected int, err error) {
	if err := p.acquire(); err != nil {
		return 0, err
	}
	defer p.release()

	batch := p.normalizer.Logs(req, uint64(p.now().UnixNano()))
	if err := p.persistResources(batch.Resources); err != nil {
		return 0, err
	}
	if err := p.persistScopes(batch.Scopes); err != nil {
		return 0, err
	}
	if err := p.store.PutLogs(batch.Logs); err != nil {
		return 0, p.storeErr("logs", err)
	}

	logsReceived.Add(float64(len(batch.Logs) + batch.Rejected))
	logsRejected.Add(float64(batch.Rejected))
	p.resetRetry()
	return batch.Rejected, nil
}

// Metrics ingests one OTLP metrics request. Alongside the rejected count
// it reports the metric names dropped for kind conflicts, which the wire
// layers surface in the partial-success error message.
func (p *Pipeline) Metrics(req []*metricspb.ResourceMetrics) (rejected int, conflicts []string, err error) {
	if err := p.acquire(); err != nil {
		return 0, nil, err
	}
	defer p.release()

	batch := p.normalizer.Metrics(req, uint64(p.now().UnixNano()))
	if err := p.persistResources(batch.Resources); err != nil {
		return 0, nil, err
	}
	if err := p.persistScopes(batch.Scopes); err != nil {
		return 0, nil, err
	}
	err = p.store.PutMetrics(store.MetricsBatch{
		Catalog:   batch.Catalog,
		Series:    batch.Series,
		Points:    batch.Points,
		Exemplars: batch.Exemplars,
	})
	if err != nil {
		return 0, nil, p.storeErr("metrics", err)
	}

	pointsReceived.Add(float64(len(batch.Points) + batch.RejectedPoints))
	pointsRejected.Add(float64(batch.RejectedPoints))
	p.resetRetry()
	return batch.RejectedPoints, batch.Conflicts, nil
}

func (p *Pipeline) persistResources(resources []model.ResourceEntry) error {
	if err := p.store.PutResources(resources); err != nil {
		return p.storeErr("resources", err)
	}
	return nil
}

func (p *Pipeline) persistScopes(scopes []model.ScopeEntry) error {
	if err := p.store.PutScopes(scopes); err != nil {
		return p.storeErr("scopes", err)
	}
	return nil
}

func (p *Pipeline) storeErr(what string, err error) error {
	if errors.Is(err, store.ErrOutOfCapacity) {
		p.bumpRetry()
		return fmt.Errorf("%w: %v", ErrBackpressure, err)
	}
	p.logger.Error("store write failed", "records", what, "error", err)
	return err
}
