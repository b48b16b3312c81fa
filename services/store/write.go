// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	badger "github.com/dgraph-io/badger/v4"

	"github.com/tinyolly/tinyolly/services/receiver/codec"
	"github.com/tinyolly/tinyolly/services/receiver/model"
)

// PutSpans stores a batch of spans and their index entries atomically.
//
// Span keys derive from (trace_id, span_id), so replaying the same span
// overwrites rather than duplicates. An empty batch is a no-op.
func (s *Store) PutSpans(spans []model.Span) error {
	if len(spans) == 0 {
		return nil
	}
	if err := s.checkCapacity(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range spans {
		span := &spans[i]
		frame, err := codec.Encode(span)
		if err != nil {
			return fmt.Errorf("store: encode span: %w", err)
		}
		ref := []byte(span.TraceID + span.SpanID)

		if err := s.set(wb, spanKey(span.TraceID, span.SpanID), frame); err != nil {
			return err
		}
		if err := s.set(wb, traceIndexKey(span.IngestNano, span.TraceID), []byte(span.TraceID)); err != nil {
			return err
		}
		if err := s.set(wb, traceSpansKey(span.TraceID, span.StartNano, span.SpanID), []byte(span.SpanID)); err != nil {
			return err
		}
		if err := s.set(wb, spanIndexKey(span.StartNano, span.TraceID, span.SpanID), ref); err != nil {
			return err
		}
		if err := s.set(wb, serviceKey(span.ServiceName, span.StartNano, span.SpanID), ref); err != nil {
			return err
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("store: flush spans: %w", err)
	}
	return nil
}

// PutLogs stores a batch of log records and their index entries atomically.
func (s *Store) PutLogs(logs []model.Log) error {
	if len(logs) == 0 {
		return nil
	}
	if err := s.checkCapacity(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range logs {
		log := &logs[i]
		frame, err := codec.Encode(log)
		if err != nil {
			return fmt.Errorf("store: encode log: %w", err)
		}

		if err := s.set(wb, logKey(log.ID), frame); err != nil {
			return err
		}
		if err := s.set(wb, logIndexKey(log.TimeNano, log.ID), []byte(log.ID)); err != nil {
			return err
		}
		if log.TraceID != "" {
			if err := s.set(wb, traceLogsKey(log.TraceID, log.TimeNano, log.ID), []byte(log.ID)); err != nil {
				return err
			}
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("store: flush logs: %w", err)
	}
	return nil
}

// MetricsBatch is one normalized metrics request: catalog upserts, series
// metadata, datapoints, and exemplars, written atomically.
type MetricsBatch struct {
	Catalog   []model.CatalogEntry
	Series    []model.SeriesMeta
	Points    []model.DataPoint
	Exemplars []model.Exemplar
}

// PutMetrics stores one normalized metrics batch.
//
// Datapoint keys include a content hash, so replaying the same batch is
// idempotent while distinct points sharing a timestamp still coexist.
func (s *Store) PutMetrics(batch MetricsBatch) error {
	if len(batch.Catalog) == 0 && len(batch.Series) == 0 &&
		len(batch.Points) == 0 && len(batch.Exemplars) == 0 {
		return nil
	}
	if err := s.checkCapacity(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range batch.Catalog {
		entry := &batch.Catalog[i]
		frame, err := codec.Encode(entry)
		if err != nil {
			return fmt.Errorf("store: encode catalog entry: %w", err)
		}
		if err := s.set(wb, metricNameKey(entry.Name), frame); err != nil {
			return err
		}
	}

	for i := range batch.Series {
		meta := &batch.Series[i]
		frame, err := codec.Encode(meta)
		if err != nil {
			return fmt.Errorf("store: encode series meta: %w", err)
		}
		if err := s.set(wb, seriesKey(meta.MetricName, meta.Fingerprint), frame); err != nil {
			return err
		}
	}

	for i := range batch.Points {
		point := &batch.Points[i]
		frame, err := codec.Encode(point)
		if err != nil {
			return fmt.Errorf("store: encode datapoint: %w", err)
		}
		disc := uint32(xxhash.Sum64(frame))
		if err := s.set(wb, dataPointKey(point.MetricName, point.Fingerprint, point.TimeNano, disc), frame); err != nil {
			return err
		}
	}

	for i := range batch.Exemplars {
		ex := &batch.Exemplars[i]
		frame, err := codec.Encode(ex)
		if err != nil {
			return fmt.Errorf("store: encode exemplar: %w", err)
		}
		disc := uint32(xxhash.Sum64(frame))
		if err := s.set(wb, exemplarKey(ex.MetricName, ex.Fingerprint, ex.TimeNano, disc), frame); err != nil {
			return err
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("store: flush metrics: %w", err)
	}
	return nil
}

// PutResources stores interned resource entries. Entries are keyed by
// content hash, so re-interning an identical resource is a no-op overwrite
// that refreshes its TTL.
func (s *Store) PutResources(entries []model.ResourceEntry) error {
	if len(entries) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range entries {
		entry := &entries[i]
		frame, err := codec.Encode(entry)
		if err != nil {
			return fmt.Errorf("store: encode resource: %w", err)
		}
		if err := s.set(wb, resourceKey(entry.Ref), frame); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("store: flush resources: %w", err)
	}
	return nil
}

// PutScopes stores interned scope entries.
func (s *Store) PutScopes(entries []model.ScopeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range entries {
		entry := &entries[i]
		frame, err := codec.Encode(entry)
		if err != nil {
			return fmt.Errorf("store: encode scope: %w", err)
		}
		if err := s.set(wb, scopeKey(entry.Ref), frame); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("store: flush scopes: %w", err)
	}
	return nil
}

func (s *Store) set(wb *badger.WriteBatch, key, value []byte) error {
	entry := badger.NewEntry(key, value).WithTTL(s.config.Retention)
	if err := wb.SetEntry(entry); err != nil {
		return fmt.Errorf("store: batch set: %w", err)
	}
	return nil
}
