// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	c, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, 4343, c.OTLPGRPCPort)
	require.Equal(t, 4318, c.OTLPHTTPPort)
	require.Equal(t, 5005, c.QueryPort)
	require.Equal(t, 4320, c.OpAMPPort)
	require.Equal(t, 4321, c.ControlPort)
	require.Equal(t, 30*time.Minute, c.Retention)
	require.Equal(t, 1000, c.MaxMetricCardinality)
	require.Equal(t, int64(16*1024*1024), c.MaxBodyBytes)
	require.Equal(t, "tinyolly", c.SelfService)
	require.Empty(t, c.StoreDir, "default store is in-memory")
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("OTLP_GRPC_PORT", "14343")
	t.Setenv("RETENTION_SECONDS", "60")
	t.Setenv("MAX_METRIC_CARDINALITY", "5")
	t.Setenv("SELF_SERVICE_NAME", "my-backend")

	c, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 14343, c.OTLPGRPCPort)
	require.Equal(t, time.Minute, c.Retention)
	require.Equal(t, 5, c.MaxMetricCardinality)
	require.Equal(t, "my-backend", c.SelfService)
}

// TestLoadConfig_RetentionAlias tests the legacy REDIS_TTL spelling and
// its precedence relative to RETENTION_SECONDS.
func TestLoadConfig_RetentionAlias(t *testing.T) {
	t.Setenv("REDIS_TTL", "120")
	c, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, c.Retention)

	t.Setenv("RETENTION_SECONDS", "300")
	c, err = LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, c.Retention, "RETENTION_SECONDS wins over the alias")
}

func TestLoadConfig_Malformed(t *testing.T) {
	t.Setenv("OTLP_GRPC_PORT", "not-a-port")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfig_NonPositiveRetention(t *testing.T) {
	t.Setenv("RETENTION_SECONDS", "-5")
	_, err := LoadConfig()
	require.Error(t, err)
}
