// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tinyolly/tinyolly/services/receiver/ingest"
)

// Config is the process configuration, read from the environment. Every
// knob has a working default so `tinyolly serve` runs with nothing set.
type Config struct {
	// OTLP ingest listeners.
	OTLPGRPCPort int // OTLP_GRPC_PORT
	OTLPHTTPPort int // OTLP_HTTP_PORT

	// Query API listener.
	QueryPort int // QUERY_PORT

	// Control plane listeners: OpAMP websocket and its REST surface.
	OpAMPPort   int // OPAMP_PORT
	ControlPort int // HTTP_PORT

	// Retention is the TTL applied to every stored record.
	Retention time.Duration // RETENTION_SECONDS (alias: REDIS_TTL)

	// MaxMetricCardinality caps distinct metric names.
	MaxMetricCardinality int // MAX_METRIC_CARDINALITY

	// MaxBodyBytes bounds a single ingest request.
	MaxBodyBytes int64 // MAX_BODY_BYTES

	// StoreDir persists the store on disk; empty keeps it in memory.
	StoreDir string // STORE_DIR

	// StoreMaxBytes triggers backpressure when the store exceeds it.
	// Zero disables the check.
	StoreMaxBytes int64 // STORE_MAX_BYTES

	// CollectorConfigPath seeds the OpAMP default collector config.
	CollectorConfigPath string // COLLECTOR_CONFIG_PATH

	// SelfService is this backend's own service.name, filtered out of
	// query responses so the tool does not observe itself.
	SelfService string // SELF_SERVICE_NAME

	// OTLPEndpoint enables self-tracing to an external collector when
	// set. Left empty, the backend emits no telemetry of its own.
	OTLPEndpoint string // OTEL_EXPORTER_OTLP_ENDPOINT

	// LogDir enables file logging alongside stderr.
	LogDir string // LOG_DIR

	JSONLogs bool // LOG_JSON
	Debug    bool // DEBUG
}

// LoadConfig reads the environment. Unset variables take defaults;
// malformed values are errors rather than silent fallbacks.
func LoadConfig() (Config, error) {
	c := Config{
		SelfService:         envString("SELF_SERVICE_NAME", "tinyolly"),
		StoreDir:            os.Getenv("STORE_DIR"),
		CollectorConfigPath: os.Getenv("COLLECTOR_CONFIG_PATH"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogDir:              os.Getenv("LOG_DIR"),
		JSONLogs:            os.Getenv("LOG_JSON") == "true",
		Debug:               os.Getenv("DEBUG") == "true",
	}

	var err error
	if c.OTLPGRPCPort, err = envInt("OTLP_GRPC_PORT", 4343); err != nil {
		return c, err
	}
	if c.OTLPHTTPPort, err = envInt("OTLP_HTTP_PORT", 4318); err != nil {
		return c, err
	}
	if c.QueryPort, err = envInt("QUERY_PORT", 5005); err != nil {
		return c, err
	}
	if c.OpAMPPort, err = envInt("OPAMP_PORT", 4320); err != nil {
		return c, err
	}
	if c.ControlPort, err = envInt("HTTP_PORT", 4321); err != nil {
		return c, err
	}
	if c.MaxMetricCardinality, err = envInt("MAX_METRIC_CARDINALITY", 1000); err != nil {
		return c, err
	}
	if c.MaxBodyBytes, err = envInt64("MAX_BODY_BYTES", ingest.DefaultMaxBodyBytes); err != nil {
		return c, err
	}
	if c.StoreMaxBytes, err = envInt64("STORE_MAX_BYTES", 0); err != nil {
		return c, err
	}

	// REDIS_TTL is honored as a legacy alias for deployments that carried
	// it over; RETENTION_SECONDS wins when both are set.
	retention, err := envInt("RETENTION_SECONDS", 0)
	if err != nil {
		return c, err
	}
	if retention == 0 {
		if retention, err = envInt("REDIS_TTL", 1800); err != nil {
			return c, err
		}
	}
	if retention <= 0 {
		return c, fmt.Errorf("retention must be positive, got %d", retention)
	}
	c.Retention = time.Duration(retention) * time.Second

	return c, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: expected integer, got %q", key, raw)
	}
	return v, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: expected integer, got %q", key, raw)
	}
	return v, nil
}
