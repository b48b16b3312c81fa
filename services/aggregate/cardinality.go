// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aggregate

import (
	"context"
	"encoding/json"
	"sort"
)

const topValueCount = 10

// ValueCount is one attribute value with its series occurrence count.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// DimensionStat summarizes one attribute key of a metric.
type DimensionStat struct {
	Key         string       `json:"key"`
	Cardinality int          `json:"cardinality"`
	TopValues   []ValueCount `json:"top_values"`
}

// MetricCardinality is the per-metric analysis for the cardinality
// explorer.
type MetricCardinality struct {
	Name         string          `json:"name"`
	Kind         string          `json:"kind"`
	SeriesCount  int             `json:"series_count"`
	ActiveSeries int             `json:"active_series"`
	Dimensions   []DimensionStat `json:"dimensions"`
}

// Cardinality analyzes every metric in the catalog: label dimensions,
// per-label distinct values with top-N, and active series (at least one
// update inside the one-hour window).
func (e *Engine) Cardinality(ctx context.Context) ([]MetricCardinality, error) {
	catalog, err := e.store.MetricCatalog(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := uint64(e.now().Add(-activeSeriesWindow).UnixNano())
	results := make([]MetricCardinality, 0, len(catalog))

	for _, entry := range catalog {
		series, err := e.store.SeriesForMetric(ctx, entry.Name)
		if err != nil {
			e.logger.Warn("cardinality scan failed", "metric", entry.Name, "error", err)
			continue
		}

		result := MetricCardinality{
			Name:        entry.Name,
			Kind:        entry.Kind.String(),
			SeriesCount: len(series),
		}

		values := make(map[string]map[string]int) // key -> rendered value -> count
		for _, meta := range series {
			if meta.LastNano >= cutoff {
				result.ActiveSeries++
			}
			for key, value := range meta.Attrs {
				byValue, ok := values[key]
				if !ok {
					byValue = make(map[string]int)
					values[key] = byValue
				}
				byValue[renderValue(value.Any())]++
			}
		}

		for key, byValue := range values {
			dim := DimensionStat{Key: key, Cardinality: len(byValue)}
			for value, count := range byValue {
				dim.TopValues = append(dim.TopValues, ValueCount{Value: value, Count: count})
			}
			sort.Slice(dim.TopValues, func(i, j int) bool {
				if dim.TopValues[i].Count != dim.TopValues[j].Count {
					return dim.TopValues[i].Count > dim.TopValues[j].Count
				}
				return dim.TopValues[i].Value < dim.TopValues[j].Value
			})
			if len(dim.TopValues) > topValueCount {
				dim.TopValues = dim.TopValues[:topValueCount]
			}
			result.Dimensions = append(result.Dimensions, dim)
		}
		sort.Slice(result.Dimensions, func(i, j int) bool {
			return result.Dimensions[i].Key < result.Dimensions[j].Key
		})

		results = append(results, result)
	}
	return results, nil
}

// renderValue flattens an attribute value to its display string.
func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
