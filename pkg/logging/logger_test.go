// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLevelString tests the human-readable level names.
func TestLevelString(t *testing.T) {
	cases := map[Level]string{
		LevelDebug: "DEBUG",
		LevelInfo:  "INFO",
		LevelWarn:  "WARN",
		LevelError: "ERROR",
		Level(42):  "UNKNOWN",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", level, got, want)
		}
	}
}

// TestNew_FileLogging tests that file logging writes JSON entries into
// the configured directory.
func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelInfo,
		Service: "store",
		LogDir:  dir,
		Quiet:   true,
	})
	logger.Info("trace stored", "trace_id", "0102")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), `"trace_id":"0102"`) {
		t.Errorf("log file missing attribute, got: %s", data)
	}
	if !strings.Contains(string(data), `"service":"store"`) {
		t.Errorf("log file missing service attribute, got: %s", data)
	}
}

// TestNew_LevelFilter tests that entries below the configured level are
// discarded.
func TestNew_LevelFilter(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelWarn,
		Service: "receiver",
		LogDir:  dir,
		Quiet:   true,
	})
	logger.Debug("dropped")
	logger.Info("also dropped")
	logger.Warn("kept")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}
	data, _ := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if strings.Contains(string(data), "dropped") {
		t.Errorf("filtered entries leaked into file: %s", data)
	}
	if !strings.Contains(string(data), "kept") {
		t.Errorf("Warn entry missing from file: %s", data)
	}
}

// TestWith_ChildAttributes tests that child loggers carry parent plus new
// attributes without mutating the parent.
func TestWith_ChildAttributes(t *testing.T) {
	dir := t.TempDir()

	parent := New(Config{Service: "query", LogDir: dir, Quiet: true})
	child := parent.With("request_id", "abc123")
	child.Info("handled")
	parent.Info("plain")
	if err := parent.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	data, _ := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "abc123") {
		t.Errorf("child entry missing request_id: %s", lines[0])
	}
	if strings.Contains(lines[1], "abc123") {
		t.Errorf("parent entry inherited child attribute: %s", lines[1])
	}
}
