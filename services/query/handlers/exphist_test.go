// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyolly/tinyolly/services/receiver/model"
)

// TestExpandExpHistogram_ScaleZero tests the base-2 case: scale 0 means
// bucket i covers (2^(offset+i), 2^(offset+i+1)].
func TestExpandExpHistogram_ScaleZero(t *testing.T) {
	h := expandExpHistogram(&model.ExpHistogramPoint{
		Count:     12,
		Sum:       40,
		Scale:     0,
		ZeroCount: 5,
		Positive:  model.ExpBuckets{Offset: 0, Counts: []uint64{3, 2, 1}},
		Negative:  model.ExpBuckets{Counts: []uint64{1}},
	})
	require.NotNil(t, h)
	require.Equal(t, uint64(12), h.Count)
	require.Equal(t, []float64{1, 2, 4}, h.Bounds)
	// Zero and negative counts fold into the underflow bucket.
	require.Equal(t, []uint64{6, 3, 2, 1}, h.BucketCounts)
	require.Len(t, h.BucketCounts, len(h.Bounds)+1)
}

// TestExpandExpHistogram_PositiveScale tests scale 1, where the bucket
// base is sqrt(2).
func TestExpandExpHistogram_PositiveScale(t *testing.T) {
	h := expandExpHistogram(&model.ExpHistogramPoint{
		Count:    2,
		Scale:    1,
		Positive: model.ExpBuckets{Offset: 2, Counts: []uint64{1, 1}},
	})
	require.NotNil(t, h)
	require.Len(t, h.Bounds, 2)
	// base = 2^(1/2); bounds are base^2 and base^3.
	require.InDelta(t, 2.0, h.Bounds[0], 1e-9)
	require.InDelta(t, 2.828427, h.Bounds[1], 1e-5)
	require.Equal(t, []uint64{0, 1, 1}, h.BucketCounts)
}

// TestExpandExpHistogram_Empty tests a point with only a zero bucket.
func TestExpandExpHistogram_Empty(t *testing.T) {
	h := expandExpHistogram(&model.ExpHistogramPoint{Count: 4, ZeroCount: 4})
	require.NotNil(t, h)
	require.Empty(t, h.Bounds)
	require.Equal(t, []uint64{4}, h.BucketCounts)

	require.Nil(t, expandExpHistogram(nil))
}
