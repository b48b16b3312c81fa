// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/time/rate"

	"github.com/tinyolly/tinyolly/pkg/logging"
)

// cardinalityGuard enforces the distinct-metric-name cap.
//
// Admitted names live in an in-memory set; the dropped counter is atomic so
// Stats can read it without the lock. Warnings about dropped names are rate
// limited to keep a misbehaving producer from flooding the log.
type cardinalityGuard struct {
	mu       sync.Mutex
	admitted map[string]struct{}
	dropped  map[string]struct{}
	max      int

	droppedPoints atomic.Uint64

	logger      *logging.Logger
	warnLimiter *rate.Limiter
}

func newCardinalityGuard(max int, logger *logging.Logger) *cardinalityGuard {
	return &cardinalityGuard{
		admitted:    make(map[string]struct{}),
		dropped:     make(map[string]struct{}),
		max:         max,
		logger:      logger,
		warnLimiter: rate.NewLimiter(rate.Limit(1), 5),
	}
}

// admit reports whether data for the metric name may be stored. Known
// names are always admitted; new names only while the budget has room.
func (g *cardinalityGuard) admit(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.admitted[name]; ok {
		return true
	}
	if len(g.admitted) < g.max {
		g.admitted[name] = struct{}{}
		return true
	}

	g.droppedPoints.Add(1)
	if _, seen := g.dropped[name]; !seen {
		g.dropped[name] = struct{}{}
		if g.warnLimiter.Allow() {
			g.logger.Warn("metric cardinality limit reached, dropping metric",
				"metric", name,
				"limit", g.max,
				"distinct_dropped", len(g.dropped))
		}
	}
	return false
}

// reset replaces the admitted set with the names currently present in the
// catalog namespace. Names whose catalog entries expired free their slot;
// the dropped-name set is cleared so a returning name warns again.
func (g *cardinalityGuard) reset(names map[string]struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admitted = names
	g.dropped = make(map[string]struct{})
}

func (g *cardinalityGuard) used() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.admitted)
}

func (g *cardinalityGuard) droppedCount() uint64 {
	return g.droppedPoints.Load()
}

// AdmitMetric reports whether the metric name fits the cardinality budget.
// The normalizer consults this before building records for a series.
func (s *Store) AdmitMetric(name string) bool {
	return s.cardinality.admit(name)
}

// MetricsDropped returns the number of datapoint batches discarded by the
// cardinality guard since start.
func (s *Store) MetricsDropped() uint64 {
	return s.cardinality.droppedCount()
}

// rescanMetricNames rebuilds the admitted-name set from the live catalog
// entries. Called on open and periodically from GCRunner, which is how the
// budget recovers when the retention window wraps.
func (s *Store) rescanMetricNames() error {
	names := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixMetricName)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			names[string(key[len(prefixMetricName):])] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cardinality.reset(names)
	return nil
}
