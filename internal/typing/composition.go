package typing

import (
	"math"

	"github.com/opensource-finance/warden/internal/domain"
)

// Composition flags.
const (
	FlagSuperhumanWPM = "superhuman_wpm"
	FlagNoEdits       = "no_edits"
	FlagMostlyPasted  = "mostly_pasted"
	FlagNoFocusLoss   = "no_focus_loss"
	FlagNoIdleTime    = "no_idle_time"
)

// AnalyzeComposition scores how a message was put together, independent of
// keystroke timing. A session without a positive duration scores zero.
func (a *Analyzer) AnalyzeComposition(s domain.CompositionSession) domain.CompositionAnalysis {
	durationMs := s.EndedAt - s.StartedAt
	if durationMs <= 0 {
		return domain.CompositionAnalysis{}
	}
	minutes := durationMs / 60000

	out := domain.CompositionAnalysis{
		WPM:           round2(float64(s.FinalLength) / 5 / minutes),
		FocusLossRate: round2(float64(s.FocusLosses) / minutes),
		ActiveRatio:   round2(math.Min(1, s.ActiveTimeMs/durationMs)),
	}
	if s.Keystrokes > 0 {
		out.EditRatio = round2(float64(s.Edits) / float64(s.Keystrokes))
	}
	if s.FinalLength > 0 {
		pasted := 0
		for _, p := range s.Pastes {
			pasted += p.Length
		}
		out.PasteRatio = round2(math.Min(1, float64(pasted)/float64(s.FinalLength)))
	}

	var score float64
	if a.cfg.MaxHumanWPM > 0 && out.WPM > a.cfg.MaxHumanWPM {
		score += 30
		out.Flags = append(out.Flags, FlagSuperhumanWPM)
	}
	if s.Keystrokes >= 20 && out.EditRatio < 0.01 {
		score += 20
		out.Flags = append(out.Flags, FlagNoEdits)
	}
	if out.PasteRatio > 0.8 {
		score += 25
		out.Flags = append(out.Flags, FlagMostlyPasted)
	}
	if s.FocusLosses == 0 && minutes >= 2 {
		score += 10
		out.Flags = append(out.Flags, FlagNoFocusLoss)
	}
	if durationMs >= 10000 && out.ActiveRatio > a.cfg.MaxActiveRatio {
		score += 15
		out.Flags = append(out.Flags, FlagNoIdleTime)
	}
	out.Score = math.Min(100, score)
	return out
}
