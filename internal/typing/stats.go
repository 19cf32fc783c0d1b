package typing

import (
	"math"
	"sort"
	"strings"

	"github.com/opensource-finance/warden/internal/domain"
)

// intervals returns inter-key intervals in milliseconds. Pairs where either
// key is a modifier are skipped, as are out-of-order timestamps.
func intervals(events []domain.KeystrokeEvent) []float64 {
	if len(events) < 2 {
		return nil
	}
	out := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if prev.IsModifier || cur.IsModifier {
			continue
		}
		d := cur.Timestamp - prev.Timestamp
		if d < 0 {
			continue
		}
		out = append(out, d)
	}
	return out
}

func isCorrection(key string) bool {
	switch strings.ToLower(key) {
	case "backspace", "delete", "del":
		return true
	}
	return false
}

// computeStats builds the distribution summary of a keystroke stream.
func computeStats(events []domain.KeystrokeEvent, pauseMs float64) domain.TypingStats {
	ikis := intervals(events)
	s := domain.TypingStats{Count: len(ikis)}

	keys, corrections := 0, 0
	for _, e := range events {
		if e.IsModifier {
			continue
		}
		keys++
		if isCorrection(e.Key) {
			corrections++
		}
	}
	if keys > 0 {
		s.BackspaceRate = float64(corrections) / float64(keys) * 100
	}

	if len(ikis) == 0 {
		return s
	}

	s.Mean, s.Std = meanStd(ikis)
	sorted := append([]float64(nil), ikis...)
	sort.Float64s(sorted)
	s.Median = percentile(sorted, 50)
	s.P5 = percentile(sorted, 5)
	s.P95 = percentile(sorted, 95)
	if s.Mean > 0 {
		s.CV = s.Std / s.Mean
	}
	s.Skewness, s.Kurtosis = shape(ikis, s.Mean, s.Std)

	// A burst is a run of keystrokes with no pause between them.
	var bursts []float64
	run := 1
	for _, d := range ikis {
		if d > pauseMs {
			s.PauseCount++
			bursts = append(bursts, float64(run))
			run = 1
			continue
		}
		run++
	}
	bursts = append(bursts, float64(run))
	s.BurstCount = len(bursts)
	s.BurstMean, s.BurstStd = meanStd(bursts)

	return s
}

// meanStd returns the mean and population standard deviation.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

// percentile interpolates linearly over sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// shape returns skewness and excess kurtosis. A degenerate distribution
// (zero spread) reports 0 for both.
func shape(xs []float64, mean, std float64) (float64, float64) {
	if len(xs) < 3 || std == 0 {
		return 0, 0
	}
	var m3, m4 float64
	for _, x := range xs {
		z := (x - mean) / std
		m3 += z * z * z
		m4 += z * z * z * z
	}
	n := float64(len(xs))
	return m3 / n, m4/n - 3
}
