// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tinyolly/tinyolly/services/receiver/codec"
	"github.com/tinyolly/tinyolly/services/receiver/model"
)

// Reads stream index prefixes inside one read transaction, giving a
// consistent snapshot. Badger skips expired entries natively. Frames that
// fail to decode are skipped and logged, never fatal: a corrupt entry
// degrades the result, it does not break the endpoint.
//
// Scans take a context so a caller's deadline or disconnect stops the
// iteration; point lookups finish in one key read and do not.

// RecentTraceIDs returns up to limit distinct trace ids, newest ingest
// first.
func (s *Store) RecentTraceIDs(ctx context.Context, limit int) ([]string, error) {
	ids := make([]string, 0, limit)
	seen := make(map[string]struct{}, limit)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTraceIndex)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(ids) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				id := string(val)
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan trace index: %w", err)
	}
	return ids, nil
}

// TraceSpans returns all spans of a trace ordered by start time ascending.
func (s *Store) TraceSpans(ctx context.Context, traceID string) ([]model.Span, error) {
	var spans []model.Span

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = concat(prefixTraceSpans, []byte(traceID))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			// ts:<traceID><startNano 8B><spanID>
			spanID := string(key[len(prefixTraceSpans)+len(traceID)+8:])
			span, err := s.readSpan(txn, traceID, spanID)
			if err != nil {
				if errors.Is(err, ErrNotFound) || errors.Is(err, codec.ErrCorruptFrame) {
					s.logger.Warn("skipping unreadable span", "trace_id", traceID, "span_id", spanID, "error", err)
					continue
				}
				return err
			}
			spans = append(spans, span)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: read trace %s: %w", traceID, err)
	}
	return spans, nil
}

// GetSpan returns one span by (trace_id, span_id).
func (s *Store) GetSpan(traceID, spanID string) (model.Span, error) {
	var span model.Span
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		span, err = s.readSpan(txn, traceID, spanID)
		return err
	})
	return span, err
}

func (s *Store) readSpan(txn *badger.Txn, traceID, spanID string) (model.Span, error) {
	var span model.Span
	item, err := txn.Get(spanKey(traceID, spanID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return span, ErrNotFound
	}
	if err != nil {
		return span, err
	}
	err = item.Value(func(val []byte) error {
		if err := codec.Decode(val, &span); err != nil {
			return err
		}
		return codec.CheckSchema(span.Schema, model.SchemaSpan)
	})
	return span, err
}

// RecentSpans returns up to limit spans newest first, optionally filtered
// to one service.
func (s *Store) RecentSpans(ctx context.Context, limit int, service string) ([]model.Span, error) {
	prefix := []byte(prefixSpanIndex)
	if service != "" {
		prefix = servicePrefix(service)
	}

	spans := make([]model.Span, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(spans) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ref string
			err := it.Item().Value(func(val []byte) error {
				ref = string(val)
				return nil
			})
			if err != nil {
				return err
			}
			if len(ref) != 48 { // 32 hex trace id + 16 hex span id
				continue
			}
			traceID, spanID := ref[:32], ref[32:]
			span, err := s.readSpan(txn, traceID, spanID)
			if err != nil {
				if errors.Is(err, ErrNotFound) || errors.Is(err, codec.ErrCorruptFrame) {
					continue
				}
				return err
			}
			spans = append(spans, span)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan spans: %w", err)
	}
	return spans, nil
}

// RecentLogs returns up to limit logs newest first.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]model.Log, error) {
	logs := make([]model.Log, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixLogIndex)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(logs) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var id string
			if err := it.Item().Value(func(val []byte) error { id = string(val); return nil }); err != nil {
				return err
			}
			log, err := s.readLog(txn, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) || errors.Is(err, codec.ErrCorruptFrame) {
					continue
				}
				return err
			}
			logs = append(logs, log)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan logs: %w", err)
	}
	return logs, nil
}

// LogsByTrace returns all logs correlated to a trace, time ascending.
func (s *Store) LogsByTrace(ctx context.Context, traceID string) ([]model.Log, error) {
	var logs []model.Log
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = concat(prefixTraceLogs, []byte(traceID))
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var id string
			if err := it.Item().Value(func(val []byte) error { id = string(val); return nil }); err != nil {
				return err
			}
			log, err := s.readLog(txn, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) || errors.Is(err, codec.ErrCorruptFrame) {
					continue
				}
				return err
			}
			logs = append(logs, log)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: read trace logs %s: %w", traceID, err)
	}
	return logs, nil
}

func (s *Store) readLog(txn *badger.Txn, id string) (model.Log, error) {
	var log model.Log
	item, err := txn.Get(logKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return log, ErrNotFound
	}
	if err != nil {
		return log, err
	}
	err = item.Value(func(val []byte) error {
		if err := codec.Decode(val, &log); err != nil {
			return err
		}
		return codec.CheckSchema(log.Schema, model.SchemaLog)
	})
	return log, err
}

// MetricCatalog returns every live catalog entry, name ascending.
func (s *Store) MetricCatalog(ctx context.Context) ([]model.CatalogEntry, error) {
	var entries []model.CatalogEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixMetricName)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry model.CatalogEntry
			err := it.Item().Value(func(val []byte) error {
				if err := codec.Decode(val, &entry); err != nil {
					return err
				}
				return codec.CheckSchema(entry.Schema, model.SchemaCatalog)
			})
			if err != nil {
				s.logger.Warn("skipping unreadable catalog entry", "error", err)
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan metric catalog: %w", err)
	}
	return entries, nil
}

// GetCatalogEntry returns the catalog entry for a metric name, or
// ErrNotFound.
func (s *Store) GetCatalogEntry(name string) (model.CatalogEntry, error) {
	var entry model.CatalogEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metricNameKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := codec.Decode(val, &entry); err != nil {
				return err
			}
			return codec.CheckSchema(entry.Schema, model.SchemaCatalog)
		})
	})
	return entry, err
}

// SeriesForMetric returns the series metadata of one metric.
func (s *Store) SeriesForMetric(ctx context.Context, name string) ([]model.SeriesMeta, error) {
	var series []model.SeriesMeta
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = seriesPrefix(name)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var meta model.SeriesMeta
			err := it.Item().Value(func(val []byte) error {
				if err := codec.Decode(val, &meta); err != nil {
					return err
				}
				return codec.CheckSchema(meta.Schema, model.SchemaSeries)
			})
			if err != nil {
				s.logger.Warn("skipping unreadable series meta", "metric", name, "error", err)
				continue
			}
			series = append(series, meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan series %s: %w", name, err)
	}
	return series, nil
}

// SeriesPoints returns the datapoints of one series, time ascending. When
// limit > 0 only the newest limit points are kept.
func (s *Store) SeriesPoints(ctx context.Context, name string, fingerprint uint64, limit int) ([]model.DataPoint, error) {
	var points []model.DataPoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = dataPointPrefix(name, fingerprint)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var point model.DataPoint
			err := it.Item().Value(func(val []byte) error {
				if err := codec.Decode(val, &point); err != nil {
					return err
				}
				return codec.CheckSchema(point.Schema, model.SchemaDataPoint)
			})
			if err != nil {
				s.logger.Warn("skipping unreadable datapoint", "metric", name, "error", err)
				continue
			}
			points = append(points, point)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan datapoints %s: %w", name, err)
	}
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	return points, nil
}

// SeriesExemplars returns the exemplars of one series, time ascending.
func (s *Store) SeriesExemplars(ctx context.Context, name string, fingerprint uint64, limit int) ([]model.Exemplar, error) {
	var exemplars []model.Exemplar
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = exemplarPrefix(name, fingerprint)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ex model.Exemplar
			err := it.Item().Value(func(val []byte) error {
				if err := codec.Decode(val, &ex); err != nil {
					return err
				}
				return codec.CheckSchema(ex.Schema, model.SchemaExemplar)
			})
			if err != nil {
				s.logger.Warn("skipping unreadable exemplar", "metric", name, "error", err)
				continue
			}
			exemplars = append(exemplars, ex)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan exemplars %s: %w", name, err)
	}
	if limit > 0 && len(exemplars) > limit {
		exemplars = exemplars[len(exemplars)-limit:]
	}
	return exemplars, nil
}

// Resource returns an interned resource entry by ref, or ErrNotFound.
func (s *Store) Resource(ref uint64) (model.ResourceEntry, error) {
	var entry model.ResourceEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resourceKey(ref))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := codec.Decode(val, &entry); err != nil {
				return err
			}
			return codec.CheckSchema(entry.Schema, model.SchemaResource)
		})
	})
	return entry, err
}

// Scope returns an interned scope entry by ref, or ErrNotFound.
func (s *Store) Scope(ref uint64) (model.ScopeEntry, error) {
	var entry model.ScopeEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(scopeKey(ref))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := codec.Decode(val, &entry); err != nil {
				return err
			}
			return codec.CheckSchema(entry.Schema, model.SchemaScope)
		})
	})
	return entry, err
}
