// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store provides the ephemeral telemetry store.
//
// Records live in an embedded badger database with native per-entry TTL:
// every write stamps the configured retention window and badger's iterators
// skip expired entries, so reads never see data older than the window. The
// store owns all record bytes and secondary indexes; callers interact with
// typed records from services/receiver/model.
//
// # Cardinality Protection
//
// Distinct metric names are capped. Admission keeps an in-memory name set
// that is rebuilt from the catalog namespace on open and on every GC pass,
// so names whose entries expired return their slot to the budget.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes for one ingest batch go
// through a single WriteBatch; reads run in read-only transactions and see
// a consistent snapshot.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tinyolly/tinyolly/pkg/logging"
)

var (
	// ErrOutOfCapacity reports that the store size bound has been reached.
	// Ingest maps this to backpressure (gRPC Unavailable / HTTP 503).
	ErrOutOfCapacity = errors.New("store: out of capacity")

	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("store: not found")
)

// Config controls store behavior.
type Config struct {
	// Dir is the on-disk location. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM (used in tests and the default
	// local-dev mode when no STORE_DIR is configured).
	InMemory bool

	// Retention is the TTL applied to every write.
	Retention time.Duration

	// MaxMetricNames caps distinct metric names (cardinality protection).
	MaxMetricNames int

	// MaxBytes bounds the total database size. Zero disables the bound.
	MaxBytes int64

	// GCInterval is the period of the background value-log GC and
	// cardinality re-scan.
	GCInterval time.Duration

	// Logger receives store log output. Nil falls back to the default.
	Logger *logging.Logger
}

// DefaultConfig returns the production configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		Retention:      1800 * time.Second,
		MaxMetricNames: 1000,
		GCInterval:     5 * time.Minute,
	}
}

// InMemoryConfig returns a RAM-backed configuration for tests and
// ephemeral local runs.
func InMemoryConfig() Config {
	config := DefaultConfig("")
	config.InMemory = true
	config.GCInterval = time.Minute
	return config
}

// Store is the badger-backed telemetry store.
type Store struct {
	db     *badger.DB
	config Config
	logger *logging.Logger
	start  time.Time

	cardinality *cardinalityGuard
}

// Open creates or opens the store described by config.
func Open(config Config) (*Store, error) {
	if config.Retention <= 0 {
		config.Retention = 1800 * time.Second
	}
	if config.MaxMetricNames <= 0 {
		config.MaxMetricNames = 1000
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	opts := badger.DefaultOptions(config.Dir).
		WithInMemory(config.InMemory).
		WithLogger(badgerLogger{logger})
	if config.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}

	s := &Store{
		db:          db,
		config:      config,
		logger:      logger,
		start:       time.Now(),
		cardinality: newCardinalityGuard(config.MaxMetricNames, logger),
	}
	if err := s.rescanMetricNames(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("store opened",
		"in_memory", config.InMemory,
		"dir", config.Dir,
		"retention_seconds", int(config.Retention.Seconds()),
		"max_metric_names", config.MaxMetricNames)
	return s, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close badger: %w", err)
	}
	return nil
}

// Retention returns the configured TTL window.
func (s *Store) Retention() time.Duration { return s.config.Retention }

// GCRunner runs value-log garbage collection and the cardinality re-scan
// until ctx is cancelled. Run it in its own goroutine; it returns nil on
// context cancellation.
func (s *Store) GCRunner(ctx context.Context) error {
	interval := s.config.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Badger asks for repeated GC calls while there is work.
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if err := s.rescanMetricNames(); err != nil {
				s.logger.Warn("cardinality re-scan failed", "error", err)
			}
		}
	}
}

// OverCapacity reports whether the configured size bound is exceeded.
// Unbounded stores always report false.
func (s *Store) OverCapacity() bool {
	if s.config.MaxBytes <= 0 {
		return false
	}
	lsm, vlog := s.db.Size()
	return lsm+vlog >= s.config.MaxBytes
}

// checkCapacity gates writes.
func (s *Store) checkCapacity() error {
	if s.OverCapacity() {
		return ErrOutOfCapacity
	}
	return nil
}

// badgerLogger adapts badger's logger interface onto slog. Badger is
// chatty at INFO during compaction, so its info output maps to debug.
type badgerLogger struct {
	logger *logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf("badger: "+format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf("badger: "+format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf("badger: "+format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf("badger: "+format, args...))
}
