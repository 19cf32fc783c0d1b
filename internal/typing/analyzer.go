// Package typing scores keystroke timing and composition behavior for signs
// of automation.
package typing

import (
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
)

// Analyzer scores keystroke streams. It holds no state between calls and is
// safe for concurrent use.
type Analyzer struct {
	cfg domain.TypingConfig
	now func() time.Time
}

// NewAnalyzer creates an analyzer with the given weights and thresholds.
func NewAnalyzer(cfg domain.TypingConfig) *Analyzer {
	return &Analyzer{cfg: cfg, now: time.Now}
}

// Analyze scores one composition session. Fewer than MinEvents keystrokes
// yields a zero-confidence result rather than an error.
func (a *Analyzer) Analyze(events []domain.KeystrokeEvent) domain.TypingAnalysis {
	stats := computeStats(events, a.cfg.PauseMs)
	if len(events) < a.cfg.MinEvents || stats.Count == 0 {
		return domain.TypingAnalysis{Stats: stats}
	}

	factors := []domain.TypingFactor{
		a.meanFactor(stats),
		a.stdFactor(stats),
		a.consistencyFactor(stats),
		a.shapeFactor(stats),
		a.backspaceFactor(stats),
		a.pauseFactor(stats, len(events)),
		a.burstFactor(stats),
	}

	// Weighted average over all factors, untriggered ones contribute zero.
	var total, weights float64
	for _, f := range factors {
		total += f.Value * f.Weight
		weights += f.Weight
	}
	var score float64
	if weights > 0 {
		score = total / weights
	}

	confidence := 1.0
	if a.cfg.FullConfidenceAt > 0 {
		confidence = math.Min(1, float64(len(events))/float64(a.cfg.FullConfidenceAt))
	}

	return domain.TypingAnalysis{
		Score:        round2(score),
		Confidence:   round2(confidence),
		IsSuspicious: score >= a.cfg.SuspiciousThreshold,
		Factors:      factors,
		Stats:        stats,
	}
}

// Stats exposes the distribution summary used by profiles.
func (a *Analyzer) Stats(events []domain.KeystrokeEvent) domain.TypingStats {
	return computeStats(events, a.cfg.PauseMs)
}

// below scores how far v falls under threshold: 50 at the threshold rising
// linearly to 100 at zero.
func below(v, threshold float64) float64 {
	if threshold <= 0 || v >= threshold {
		return 0
	}
	return 50 + 50*(threshold-math.Max(v, 0))/threshold
}

func (a *Analyzer) meanFactor(s domain.TypingStats) domain.TypingFactor {
	v := below(s.Mean, a.cfg.MinHumanMeanMs)
	return domain.TypingFactor{
		Name:      "mean_iki",
		Value:     v,
		Weight:    a.cfg.MeanIKIWeight,
		Triggered: v > 0,
		Detail:    fmt.Sprintf("mean interval %.0fms", s.Mean),
	}
}

func (a *Analyzer) stdFactor(s domain.TypingStats) domain.TypingFactor {
	v := below(s.Std, a.cfg.MinHumanStdMs)
	return domain.TypingFactor{
		Name:      "std_iki",
		Value:     v,
		Weight:    a.cfg.StdIKIWeight,
		Triggered: v > 0,
		Detail:    fmt.Sprintf("interval std %.1fms", s.Std),
	}
}

func (a *Analyzer) consistencyFactor(s domain.TypingStats) domain.TypingFactor {
	v := below(s.CV, a.cfg.MinHumanCV)
	return domain.TypingFactor{
		Name:      "consistency",
		Value:     v,
		Weight:    a.cfg.ConsistencyWeight,
		Triggered: v > 0,
		Detail:    fmt.Sprintf("coefficient of variation %.2f", s.CV),
	}
}

// Human intervals are right-skewed and peaked. A flat or left-skewed
// distribution is suspect.
func (a *Analyzer) shapeFactor(s domain.TypingStats) domain.TypingFactor {
	f := domain.TypingFactor{Name: "distribution_shape", Weight: a.cfg.ShapeWeight}
	switch {
	case math.Abs(s.Skewness) < 0.1 && math.Abs(s.Kurtosis) < 0.5:
		f.Value, f.Triggered, f.Detail = 70, true, "near-normal interval distribution"
	case s.Skewness < 0:
		f.Value, f.Triggered, f.Detail = 60, true, "negatively skewed intervals"
	}
	return f
}

func (a *Analyzer) backspaceFactor(s domain.TypingStats) domain.TypingFactor {
	f := domain.TypingFactor{
		Name:   "backspace_rate",
		Weight: a.cfg.BackspaceWeight,
		Detail: fmt.Sprintf("%.1f corrections per 100 keys", s.BackspaceRate),
	}
	if a.cfg.MinBackspaceRate > 0 && s.BackspaceRate < a.cfg.MinBackspaceRate {
		f.Value = 80 * (a.cfg.MinBackspaceRate - s.BackspaceRate) / a.cfg.MinBackspaceRate
		f.Triggered = true
	}
	return f
}

func (a *Analyzer) pauseFactor(s domain.TypingStats, keystrokes int) domain.TypingFactor {
	f := domain.TypingFactor{
		Name:   "pauses",
		Weight: a.cfg.PauseWeight,
		Detail: fmt.Sprintf("%d pauses over %.0fms", s.PauseCount, a.cfg.PauseMs),
	}
	if keystrokes >= 20 && s.PauseCount == 0 {
		f.Value, f.Triggered = 80, true
	}
	return f
}

func (a *Analyzer) burstFactor(s domain.TypingStats) domain.TypingFactor {
	f := domain.TypingFactor{
		Name:   "bursts",
		Weight: a.cfg.BurstWeight,
		Detail: fmt.Sprintf("%d bursts, mean length %.1f", s.BurstCount, s.BurstMean),
	}
	switch {
	case a.cfg.MaxHumanBurst > 0 && s.BurstMean > a.cfg.MaxHumanBurst:
		f.Value, f.Triggered = 100, true
	case s.BurstCount >= 3 && s.BurstStd < 1:
		f.Value, f.Triggered = 70, true
	}
	return f
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
