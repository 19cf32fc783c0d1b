package trust

import (
	"fmt"
	"math"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
)

func accountAgeFactor(cfg domain.TrustConfig, created, now time.Time) domain.TrustFactor {
	age := now.Sub(created)
	w := cfg.AccountAgeWeight
	day := 24 * time.Hour

	var value float64
	switch {
	case age < day:
		value = -w / 3
	case age < 7*day:
		value = 0
	case age < 30*day:
		value = w / 3
	case age < 90*day:
		value = 2 * w / 3
	default:
		value = w
	}
	return domain.TrustFactor{
		Name:   domain.FactorAccountAge,
		Weight: w,
		Value:  value,
		Reason: fmt.Sprintf("account is %d days old", int(age/day)),
	}
}

func emailFactor(cfg domain.TrustConfig, verified bool) domain.TrustFactor {
	f := domain.TrustFactor{Name: domain.FactorEmailVerified, Weight: cfg.EmailWeight, Reason: "email not verified"}
	if verified {
		f.Value = cfg.EmailWeight
		f.Reason = "email verified"
	}
	return f
}

func paymentFactor(cfg domain.TrustConfig, uc domain.UserContext) domain.TrustFactor {
	var value float64
	if uc.HasPaymentMethod {
		value += 5
	}
	switch {
	case uc.LifetimeSpend >= 100:
		value += 10
	case uc.LifetimeSpend >= 20:
		value += 5
	case uc.LifetimeSpend > 0:
		value += 2
	}
	if uc.HasPaidSubscription {
		value += 3
	}
	return domain.TrustFactor{
		Name:   domain.FactorPaymentHistory,
		Weight: cfg.PaymentWeight,
		Value:  math.Min(value, cfg.PaymentWeight),
		Reason: fmt.Sprintf("lifetime spend %.2f", uc.LifetimeSpend),
	}
}

func behaviorFactor(cfg domain.TrustConfig, uc domain.UserContext) domain.TrustFactor {
	value := math.Min(5, float64(uc.ConversationCount)/10) +
		math.Min(5, float64(uc.MessageCount)/100) -
		2*float64(uc.ReportCount)
	return domain.TrustFactor{
		Name:   domain.FactorBehavior,
		Weight: cfg.BehaviorWeight,
		Value:  clamp(value, -cfg.BehaviorWeight, cfg.BehaviorWeight),
		Reason: fmt.Sprintf("%d conversations, %d messages, %d reports", uc.ConversationCount, uc.MessageCount, uc.ReportCount),
	}
}

func violationFactor(cfg domain.TrustConfig, count int) domain.TrustFactor {
	var value float64
	if penalty := math.Min(cfg.ViolationWeight, cfg.ViolationUnitPenalty*float64(count)); penalty > 0 {
		value = -penalty
	}
	return domain.TrustFactor{
		Name:   domain.FactorViolations,
		Weight: cfg.ViolationWeight,
		Value:  value,
		Reason: fmt.Sprintf("%d violations", count),
	}
}

func manualFactor(cfg domain.TrustConfig, delta float64, reason string) domain.TrustFactor {
	return domain.TrustFactor{
		Name:   domain.FactorManualAdjustment,
		Weight: cfg.ManualWeight,
		Value:  clamp(delta, -cfg.ManualWeight, cfg.ManualWeight),
		Reason: reason,
	}
}

// signalFactor sums signals with linear decay over the horizon. Fully
// decayed signals are dropped and only the newest MaxSignals count.
func signalFactor(cfg domain.TrustConfig, signals []domain.TrustSignal, now time.Time) (domain.TrustFactor, []domain.TrustSignal) {
	live := signals[:0:0]
	for _, s := range signals {
		if now.Sub(s.Timestamp) < cfg.SignalHorizon {
			live = append(live, s)
		}
	}
	if n := cfg.MaxSignals; n > 0 && len(live) > n {
		live = live[len(live)-n:]
	}

	var sum float64
	for _, s := range live {
		decay := 1.0
		if age := now.Sub(s.Timestamp); age > 0 && cfg.SignalHorizon > 0 {
			decay = 1 - float64(age)/float64(cfg.SignalHorizon)
		}
		sum += s.Delta * decay
	}
	return domain.TrustFactor{
		Name:   domain.FactorRecentSignals,
		Weight: cfg.SignalWeight,
		Value:  clamp(sum, -cfg.SignalWeight, cfg.SignalWeight),
		Reason: fmt.Sprintf("%d recent signals", len(live)),
	}, live
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
