// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyzer

import (
	"math"
	"sort"
)

// z95 is the two-sided z critical value for a 95% interval.
const z95 = 1.96

func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func median(samples []float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile computes the p-th percentile (0..100) with nearest-rank
// interpolation.
func percentile(samples []float64, p float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

func stdev(samples []float64) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}
	m := mean(samples)
	sumSq := 0.0
	for _, s := range samples {
		d := s - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n-1))
}

func minOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	m := samples[0]
	for _, s := range samples[1:] {
		if s < m {
			m = s
		}
	}
	return m
}

// confidenceInterval returns the 95% normal-approximation interval
// (mean ± 1.96·stdev/√n). Second return is false when n ≤ 3; small
// samples make the approximation meaningless.
func confidenceInterval(samples []float64) (ConfidenceInterval, bool) {
	n := len(samples)
	if n <= 3 {
		return ConfidenceInterval{}, false
	}
	m := mean(samples)
	margin := z95 * stdev(samples) / math.Sqrt(float64(n))
	return ConfidenceInterval{
		Mean:  m,
		Lower: m - margin,
		Upper: m + margin,
		N:     n,
	}, true
}

// clamp01 bounds v to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
