package trust

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/opensource-finance/warden/internal/domain"
)

func TestViolationFactor(t *testing.T) {
	cfg := domain.DefaultTrustConfig()

	tests := []struct {
		count int
		want  float64
	}{
		{0, 0},
		{1, -3},
		{2, -6},
		{10, -cfg.ViolationWeight},
	}

	for _, tt := range tests {
		f := violationFactor(cfg, tt.count)
		if f.Value != tt.want {
			t.Errorf("%d violations: expected %v, got %v", tt.count, tt.want, f.Value)
		}
	}

	t.Run("NoViolationsIsPlainZero", func(t *testing.T) {
		f := violationFactor(cfg, 0)
		if math.Signbit(f.Value) {
			t.Error("expected +0, got -0")
		}
		raw, _ := json.Marshal(f)
		if strings.Contains(string(raw), "-0") {
			t.Errorf("expected no negative zero in %s", raw)
		}
	})
}

func TestSignalFactorCountsKeptSignals(t *testing.T) {
	cfg := domain.DefaultTrustConfig()
	cfg.MaxSignals = 3

	signals := []domain.TrustSignal{
		{Type: domain.SignalAutomatedTyping, Delta: -5, Timestamp: testNow},
		{Type: domain.SignalAutomatedTyping, Delta: -5, Timestamp: testNow},
		{Type: domain.SignalGoodQuality, Delta: 1, Timestamp: testNow},
		{Type: domain.SignalGoodQuality, Delta: 1, Timestamp: testNow},
		{Type: domain.SignalGoodQuality, Delta: 1, Timestamp: testNow},
	}

	f, live := signalFactor(cfg, signals, testNow)
	if len(live) != 3 {
		t.Fatalf("expected 3 retained signals, got %d", len(live))
	}
	if f.Value != 3 {
		t.Errorf("expected the factor to sum only retained signals (3), got %v", f.Value)
	}
}
