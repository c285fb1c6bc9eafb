// Package util provides measurement tools for hash map implementations.
// This file implements distribution statistics and a chain-length histogram
// used to judge how evenly entries spread across bucket chains without
// performing expensive full scans on every query.
package util

import (
	"math"
	"sync"
)

// ----------------------------------------------------------------------------
// Helper functions
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes the standard deviation, minimum, and maximum values
// from an array of float64 values.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	// initialize min and max with the first value
	min := values[0]
	max := values[0]

	// calculate sum for mean
	var sum float64
	for _, v := range values {
		sum += v

		// update min and max while iterating
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	// calculate mean
	mean := sum / float64(len(values))

	// calculate sum of squared differences from mean
	var sumSquaredDiffs float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}

	// calculate standard deviation (population formula)
	stdDev := math.Sqrt(sumSquaredDiffs / float64(len(values)))

	// calculate min/max ratio
	var minMaxRatio float64 = 1.0
	if max > 0 {
		minMaxRatio = min / max
	}

	return Stats{
		StdDeviation: stdDev,
		Min:          min,
		Max:          max,
		Mean:         mean,
		MinMaxRatio:  minMaxRatio,
	}
}

type DistributionStats struct {
	Stats
	DistributionQuality float64 `json:"distribution_quality"`
}

// NewDistributionStats computes quality metrics for value distribution
func NewDistributionStats(chainLengths []float64) DistributionStats {
	// get statistics
	stats := NewStats(chainLengths)

	// calculate coefficient of variation
	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	// distribution quality combines CV and min/max ratio
	// -> lower CV and higher min/max ratio indicate better distribution
	distributionQuality := (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5

	return DistributionStats{
		Stats:               stats,
		DistributionQuality: distributionQuality,
	}
}

// ----------------------------------------------------------------------------
// LengthHistogram
// ----------------------------------------------------------------------------

// LengthHistogram tracks the distribution of bucket chain lengths.
// It organizes lengths into buckets for efficient memory usage
// while still providing accurate estimations.
// Chains are expected to stay short; the boundaries grow geometrically
// so pathological chains still land in a meaningful bucket.
type LengthHistogram struct {
	mutex      sync.RWMutex
	boundaries []int   // Bucket boundaries covering the 0..128+ range
	buckets    []int64 // Count of samples in each bucket
	count      int64   // Total number of samples
	sum        int64   // Sum of all sampled lengths
}

// NewLengthHistogram creates a new chain-length histogram with default
// bucket boundaries
func NewLengthHistogram() *LengthHistogram {
	return &LengthHistogram{
		boundaries: []int{0, 1, 2, 3, 4, 6, 8, 12, 16, 24, 32, 64, 128},
		buckets:    make([]int64, 14), // 13 boundaries + 1 for longer chains
	}
}

// AddSample adds a chain-length sample to the histogram
//
// Thread-safe: This method is safe for concurrent use
func (h *LengthHistogram) AddSample(length int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	// Find the appropriate bucket for this length
	bucketIndex := 0
	for i, boundary := range h.boundaries {
		if length <= boundary {
			bucketIndex = i
			break
		}
		bucketIndex = len(h.boundaries) // Last bucket for all longer chains
	}

	// Update statistics
	h.buckets[bucketIndex]++
	h.count++
	h.sum += int64(length)
}

// GetCount returns the total number of samples
//
// Thread-safe: This method is safe for concurrent use
func (h *LengthHistogram) GetCount() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// AverageLength returns the average chain length across all samples
//
// Thread-safe: This method is safe for concurrent use
func (h *LengthHistogram) AverageLength() float64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return 0
	}
	return float64(h.sum) / float64(h.count)
}

// PercentileEstimate returns an estimate for the given percentile (0-100)
//
// Thread-safe: This method is safe for concurrent use
func (h *LengthHistogram) PercentileEstimate(percentile int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	// Calculate target count for percentile
	targetCount := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	cumulativeCount := int64(0)

	for i, count := range h.buckets {
		cumulativeCount += count
		if cumulativeCount >= targetCount {
			if i < len(h.boundaries) {
				return h.boundaries[i]
			}
			// Estimation for the last bucket (2x the last boundary)
			return h.boundaries[len(h.boundaries)-1] * 2
		}
	}

	// Shouldn't happen but as a fallback
	return int(h.sum / h.count)
}

// Reset clears all histogram data
//
// Thread-safe: This method is safe for concurrent use
func (h *LengthHistogram) Reset() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.count = 0
	h.sum = 0
	for i := range h.buckets {
		h.buckets[i] = 0
	}
}

// Distribution returns the distribution of samples across buckets.
// Returns two slices: bucket boundaries and the percentage in each bucket
//
// Thread-safe: This method is safe for concurrent use
func (h *LengthHistogram) Distribution() ([]int, []float64) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return h.boundaries, make([]float64, len(h.buckets))
	}

	// Calculate percentages
	percentages := make([]float64, len(h.buckets))
	for i, count := range h.buckets {
		percentages[i] = float64(count) * 100.0 / float64(h.count)
	}

	return h.boundaries, percentages
}
