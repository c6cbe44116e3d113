// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package risk

import "math"

// Welford's Algorithm: https://en.wikipedia.org/wiki/Algorithms_for_calculating_variance#Welford's_online_algorithm

// Baseline tracks mean and variance of an app's per-bucket traffic volume
// using Welford's online algorithm, so the rate-of-change signal needs no
// raw history beyond the persisted buckets it is rebuilt from each run.
type Baseline struct {
	Count int64
	Mean  float64
	m2    float64
}

// Add feeds one bucket total into the baseline.
func (b *Baseline) Add(value float64) {
	b.Count++
	delta := value - b.Mean
	b.Mean += delta / float64(b.Count)
	b.m2 += delta * (value - b.Mean)
}

// Variance returns the sample variance.
func (b *Baseline) Variance() float64 {
	if b.Count < 2 {
		return 0
	}
	return b.m2 / float64(b.Count-1)
}

// StdDev returns the sample standard deviation.
func (b *Baseline) StdDev() float64 {
	return math.Sqrt(b.Variance())
}

// ZScore returns how many standard deviations value sits from the mean.
// With fewer than two observations there is no baseline and the score is 0.
func (b *Baseline) ZScore(value float64) float64 {
	if b.Count < 2 {
		return 0
	}
	sd := b.StdDev()
	if sd == 0 {
		if value == b.Mean {
			return 0
		}
		// Zero variance but a deviating value: maximally anomalous.
		return maxZScore
	}
	return (value - b.Mean) / sd
}

// maxZScore caps the zero-variance case so the signal normalization below
// saturates instead of overflowing.
const maxZScore = 100.0
