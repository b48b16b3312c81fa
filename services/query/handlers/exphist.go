// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"math"

	"github.com/tinyolly/tinyolly/services/receiver/model"
)

// expandExpHistogram converts a native base-2 exponential histogram into
// an explicit-bound view for clients that only render classic histograms.
//
// base = 2^(2^-scale); positive bucket i covers
// (base^(offset+i), base^(offset+i+1)]. The produced bounds are the lower
// edges of the positive buckets, so the first explicit bucket absorbs the
// zero region (and any negative-range counts) and the last positive
// bucket's upper edge folds into +Inf.
func expandExpHistogram(p *model.ExpHistogramPoint) *model.HistogramPoint {
	if p == nil {
		return nil
	}

	base := math.Pow(2, math.Pow(2, -float64(p.Scale)))
	n := len(p.Positive.Counts)

	under := p.ZeroCount
	for _, c := range p.Negative.Counts {
		under += c
	}
	if n == 0 {
		return &model.HistogramPoint{
			Count:        p.Count,
			Sum:          p.Sum,
			Min:          p.Min,
			Max:          p.Max,
			BucketCounts: []uint64{under},
		}
	}

	bounds := make([]float64, n)
	counts := make([]uint64, 0, n+1)
	counts = append(counts, under)
	for i := 0; i < n; i++ {
		bounds[i] = math.Pow(base, float64(int(p.Positive.Offset)+i))
		counts = append(counts, p.Positive.Counts[i])
	}

	return &model.HistogramPoint{
		Count:        p.Count,
		Sum:          p.Sum,
		Min:          p.Min,
		Max:          p.Max,
		BucketCounts: counts,
		Bounds:       bounds,
	}
}
