// Copyright (C) 2025 The TinyOlly Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package aggregate

import "sort"

// percentileFromSamples computes the q-th percentile (0 < q < 1) of raw
// duration samples with linear interpolation on rank. The input slice is
// sorted in place.
func percentileFromSamples(samples []float64, q float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sort.Float64s(samples)
	if len(samples) == 1 {
		return samples[0]
	}

	rank := q * float64(len(samples)-1)
	lo := int(rank)
	if lo >= len(samples)-1 {
		return samples[len(samples)-1]
	}
	frac := rank - float64(lo)
	return samples[lo] + frac*(samples[lo+1]-samples[lo])
}

// percentileFromBuckets computes the q-th percentile from explicit-bound
// histogram buckets, interpolating linearly within the bucket that crosses
// the target rank.
//
// counts has one more element than bounds; the final bucket is open-ended
// and contributes its lower bound (there is no upper edge to interpolate
// toward).
func percentileFromBuckets(bounds []float64, counts []uint64, q float64) float64 {
	if len(counts) == 0 || len(counts) != len(bounds)+1 {
		return 0
	}
	var total uint64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}

	target := q * float64(total)
	var cumulative uint64
	for i, c := range counts {
		prev := float64(cumulative)
		cumulative += c
		if float64(cumulative) < target || c == 0 {
			continue
		}

		lower := 0.0
		if i > 0 {
			lower = bounds[i-1]
		}
		if i == len(bounds) {
			// Open-ended overflow bucket.
			return lower
		}
		upper := bounds[i]
		frac := (target - prev) / float64(c)
		return lower + frac*(upper-lower)
	}
	return bounds[len(bounds)-1]
}
