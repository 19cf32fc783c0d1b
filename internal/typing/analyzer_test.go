package typing

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/opensource-finance/warden/internal/domain"
	"github.com/opensource-finance/warden/internal/store"
)

// uniformStream types n plain keys at a fixed interval.
func uniformStream(n int, ikiMs float64) []domain.KeystrokeEvent {
	events := make([]domain.KeystrokeEvent, n)
	for i := range events {
		events[i] = domain.KeystrokeEvent{Key: "a", Timestamp: float64(i) * ikiMs}
	}
	return events
}

// humanStream draws log-normal intervals (mean ~180ms, std ~80ms) with
// occasional corrections and thinking pauses.
func humanStream(n int, seed uint64) []domain.KeystrokeEvent {
	r := rand.New(rand.NewPCG(seed, seed+1))
	sigma := math.Sqrt(math.Log(1 + (80.0/180.0)*(80.0/180.0)))
	mu := math.Log(180) - sigma*sigma/2

	events := make([]domain.KeystrokeEvent, 0, n)
	ts := 0.0
	nextPause := 10 + r.IntN(20)
	for i := 0; i < n; i++ {
		key := "e"
		if i%20 == 7 {
			key = "Backspace"
		}
		if i == nextPause {
			ts += 600 + r.Float64()*1500
			nextPause = i + 10 + r.IntN(20)
		} else {
			ts += math.Exp(mu + sigma*r.NormFloat64())
		}
		events = append(events, domain.KeystrokeEvent{Key: key, Timestamp: ts})
	}
	return events
}

func TestAnalyze(t *testing.T) {
	a := NewAnalyzer(domain.DefaultTypingConfig())

	t.Run("UniformScoresFarAboveHuman", func(t *testing.T) {
		bot := a.Analyze(uniformStream(120, 180))
		human := a.Analyze(humanStream(150, 42))

		if bot.Stats.Std != 0 {
			t.Fatalf("expected zero std for uniform stream, got %v", bot.Stats.Std)
		}
		if bot.Score-human.Score < 30 {
			t.Errorf("expected uniform stream to score well above human: bot=%.2f human=%.2f", bot.Score, human.Score)
		}
		if !bot.IsSuspicious {
			t.Errorf("expected uniform stream to be suspicious, score %.2f", bot.Score)
		}
		if human.IsSuspicious {
			t.Errorf("expected human stream to pass, score %.2f factors %+v", human.Score, human.Factors)
		}
		if len(bot.Factors) != 7 {
			t.Errorf("expected 7 factors, got %d", len(bot.Factors))
		}
	})

	t.Run("FastUniformIsWorst", func(t *testing.T) {
		slow := a.Analyze(uniformStream(120, 180))
		fast := a.Analyze(uniformStream(120, 20))
		if fast.Score <= slow.Score {
			t.Errorf("expected faster stream to score higher: fast=%.2f slow=%.2f", fast.Score, slow.Score)
		}
	})

	t.Run("TooFewEvents", func(t *testing.T) {
		res := a.Analyze(uniformStream(5, 50))
		if res.Confidence != 0 || res.Score != 0 || res.IsSuspicious || len(res.Factors) != 0 {
			t.Errorf("expected zero-confidence result, got %+v", res)
		}
	})

	t.Run("ConfidenceScalesWithSamples", func(t *testing.T) {
		if c := a.Analyze(uniformStream(50, 100)).Confidence; c != 0.5 {
			t.Errorf("expected confidence 0.5 at 50 events, got %v", c)
		}
		if c := a.Analyze(uniformStream(250, 100)).Confidence; c != 1 {
			t.Errorf("expected full confidence, got %v", c)
		}
	})

	t.Run("CustomWeights", func(t *testing.T) {
		cfg := domain.DefaultTypingConfig()
		cfg.MeanIKIWeight, cfg.StdIKIWeight, cfg.ConsistencyWeight = 0, 0, 0
		cfg.ShapeWeight, cfg.BackspaceWeight, cfg.PauseWeight = 0, 0, 0
		cfg.BurstWeight = 1
		res := NewAnalyzer(cfg).Analyze(uniformStream(120, 180))
		if res.Score != 100 {
			t.Errorf("expected only the burst factor to count, got %.2f", res.Score)
		}
	})
}

func TestComputeStats(t *testing.T) {
	t.Run("SkipsModifierPairs", func(t *testing.T) {
		events := []domain.KeystrokeEvent{
			{Key: "a", Timestamp: 0},
			{Key: "Shift", Timestamp: 100, IsModifier: true},
			{Key: "B", Timestamp: 150},
			{Key: "c", Timestamp: 400},
		}
		got := intervals(events)
		if len(got) != 1 || got[0] != 250 {
			t.Errorf("expected [250], got %v", got)
		}
	})

	t.Run("Distribution", func(t *testing.T) {
		events := []domain.KeystrokeEvent{
			{Key: "a", Timestamp: 0},
			{Key: "b", Timestamp: 100},
			{Key: "Backspace", Timestamp: 300},
			{Key: "c", Timestamp: 400},
			{Key: "d", Timestamp: 1400},
		}
		s := computeStats(events, 500)
		if s.Count != 4 || s.Mean != 350 {
			t.Errorf("expected 4 intervals with mean 350, got %d / %v", s.Count, s.Mean)
		}
		if s.Median != 150 {
			t.Errorf("expected median 150, got %v", s.Median)
		}
		if s.BackspaceRate != 20 {
			t.Errorf("expected 20 corrections per 100 keys, got %v", s.BackspaceRate)
		}
		if s.PauseCount != 1 || s.BurstCount != 2 {
			t.Errorf("expected 1 pause and 2 bursts, got %d / %d", s.PauseCount, s.BurstCount)
		}
		if s.Skewness <= 0 {
			t.Errorf("expected right skew, got %v", s.Skewness)
		}
	})
}

func TestCompareProfile(t *testing.T) {
	a := NewAnalyzer(domain.DefaultTypingConfig())
	profile := domain.TypingProfile{UserID: "u1", Mean: 180, Std: 40, CV: 0.3, BackspaceRate: 4, SampleCount: 500}

	t.Run("Anomalous", func(t *testing.T) {
		cmp := a.CompareProfile(domain.TypingStats{Count: 100, Mean: 60, CV: 0.9, BackspaceRate: 0}, profile)
		if !cmp.Anomalous {
			t.Fatal("expected anomaly")
		}
		if len(cmp.Anomalies) != 2 || cmp.Anomalies[0] != "mean_iki_deviation" || cmp.Anomalies[1] != "consistency_change" {
			t.Errorf("unexpected anomalies: %v", cmp.Anomalies)
		}
	})

	t.Run("BackspaceThresholdHasFloor", func(t *testing.T) {
		cmp := a.CompareProfile(domain.TypingStats{Count: 100, Mean: 180, CV: 0.3, BackspaceRate: 9}, profile)
		if cmp.Anomalous {
			t.Errorf("delta of 5 is at the floor, expected no anomaly: %+v", cmp)
		}
		cmp = a.CompareProfile(domain.TypingStats{Count: 100, Mean: 180, CV: 0.3, BackspaceRate: 9.5}, profile)
		if !cmp.Anomalous {
			t.Errorf("expected backspace anomaly, got %+v", cmp)
		}
	})

	t.Run("ThinProfileNeverFlags", func(t *testing.T) {
		thin := profile
		thin.SampleCount = 10
		if cmp := a.CompareProfile(domain.TypingStats{Count: 100, Mean: 10, CV: 2}, thin); cmp.Anomalous {
			t.Errorf("thin profile should not flag: %+v", cmp)
		}
	})
}

func TestUpdateProfile(t *testing.T) {
	a := NewAnalyzer(domain.DefaultTypingConfig())

	p := a.UpdateProfile(domain.TypingProfile{UserID: "u1"}, domain.TypingStats{Count: 100, Mean: 200, Std: 50, BackspaceRate: 4})
	if p.Mean != 200 || p.Std != 50 || p.SessionCount != 1 || p.SampleCount != 100 {
		t.Fatalf("unexpected first merge: %+v", p)
	}

	p = a.UpdateProfile(p, domain.TypingStats{Count: 100, Mean: 100, Std: 50, BackspaceRate: 2})
	if p.Mean != 150 {
		t.Errorf("expected merged mean 150, got %v", p.Mean)
	}
	if math.Abs(p.Std-math.Sqrt(5000)) > 1e-9 {
		t.Errorf("expected pooled std %.3f, got %.3f", math.Sqrt(5000), p.Std)
	}
	if p.BackspaceRate != 3 || p.SessionCount != 2 || p.SampleCount != 200 {
		t.Errorf("unexpected merge: %+v", p)
	}

	if same := a.UpdateProfile(p, domain.TypingStats{}); same != p {
		t.Errorf("empty session should not change the profile")
	}
}

func TestAnalyzeComposition(t *testing.T) {
	a := NewAnalyzer(domain.DefaultTypingConfig())

	tests := []struct {
		name    string
		session domain.CompositionSession
		flags   []string
	}{
		{
			name:    "Human",
			session: domain.CompositionSession{StartedAt: 0, EndedAt: 180000, FinalLength: 150, Keystrokes: 180, Edits: 20, FocusLosses: 1, ActiveTimeMs: 90000},
		},
		{
			name:    "Scripted",
			session: domain.CompositionSession{StartedAt: 0, EndedAt: 6000, FinalLength: 200, Keystrokes: 200, ActiveTimeMs: 6000},
			flags:   []string{FlagSuperhumanWPM, FlagNoEdits},
		},
		{
			name:    "Pasted",
			session: domain.CompositionSession{StartedAt: 0, EndedAt: 30000, FinalLength: 200, Keystrokes: 5, Edits: 1, Pastes: []domain.PasteEvent{{Length: 190, Timestamp: 1000}}, ActiveTimeMs: 5000},
			flags:   []string{FlagMostlyPasted},
		},
		{
			name:    "NoThinkingTime",
			session: domain.CompositionSession{StartedAt: 0, EndedAt: 150000, FinalLength: 100, Keystrokes: 120, Edits: 10, ActiveTimeMs: 149000},
			flags:   []string{FlagNoFocusLoss, FlagNoIdleTime},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.AnalyzeComposition(tt.session)
			if len(res.Flags) != len(tt.flags) {
				t.Fatalf("expected flags %v, got %v", tt.flags, res.Flags)
			}
			for i := range tt.flags {
				if res.Flags[i] != tt.flags[i] {
					t.Errorf("expected flags %v, got %v", tt.flags, res.Flags)
				}
			}
			if len(tt.flags) == 0 && res.Score != 0 {
				t.Errorf("expected zero score, got %v", res.Score)
			}
		})
	}

	if res := a.AnalyzeComposition(domain.CompositionSession{StartedAt: 10, EndedAt: 10}); res.Score != 0 || res.WPM != 0 {
		t.Errorf("expected empty analysis for zero duration, got %+v", res)
	}
}

type recordingBus struct {
	mu        sync.Mutex
	published map[string]int
}

func (b *recordingBus) Publish(_ context.Context, topic string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string]int)
	}
	b.published[topic]++
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

func TestProfiles(t *testing.T) {
	ctx := context.Background()
	bus := &recordingBus{}
	profiles := NewProfiles(store.NewMemoryStore("test", 100), bus)

	got, err := profiles.Get(ctx, "u1")
	if err != nil || got != nil {
		t.Fatalf("expected miss, got %+v / %v", got, err)
	}

	if err := profiles.Save(ctx, domain.TypingProfile{UserID: "u1", Mean: 170, SampleCount: 80}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err = profiles.Get(ctx, "u1")
	if err != nil || got == nil || got.Mean != 170 || got.SampleCount != 80 {
		t.Fatalf("unexpected profile: %+v / %v", got, err)
	}
	if bus.published[domain.TopicProfileUpdated] != 1 {
		t.Errorf("expected one profile update published, got %v", bus.published)
	}

	if err := profiles.Save(ctx, domain.TypingProfile{}); !domain.IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}
