package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
)

// ProfileTTL bounds how long an idle user's typing profile is kept.
const ProfileTTL = 90 * 24 * time.Hour

// CompareProfile reports how far a session deviates from a user's stored
// profile. Profiles with fewer than ProfileMinSamples intervals are too thin
// to compare against and never flag.
func (a *Analyzer) CompareProfile(current domain.TypingStats, profile domain.TypingProfile) domain.ProfileComparison {
	cmp := domain.ProfileComparison{
		MeanDeviation:    math.Abs(current.Mean - profile.Mean),
		ConsistencyDelta: math.Abs(current.CV - profile.CV),
		BackspaceDelta:   math.Abs(current.BackspaceRate - profile.BackspaceRate),
	}
	if profile.SampleCount < a.cfg.ProfileMinSamples || current.Count == 0 {
		return cmp
	}

	if profile.Std > 0 && cmp.MeanDeviation > 2*profile.Std {
		cmp.Anomalies = append(cmp.Anomalies, "mean_iki_deviation")
	}
	if cmp.ConsistencyDelta > 0.3 {
		cmp.Anomalies = append(cmp.Anomalies, "consistency_change")
	}
	if cmp.BackspaceDelta > math.Max(5, 0.5*profile.BackspaceRate) {
		cmp.Anomalies = append(cmp.Anomalies, "backspace_rate_change")
	}
	cmp.Anomalous = len(cmp.Anomalies) > 0
	return cmp
}

// UpdateProfile merges a session into a profile, weighting each side by its
// interval count. The std merge uses pooled variance.
func (a *Analyzer) UpdateProfile(profile domain.TypingProfile, stats domain.TypingStats) domain.TypingProfile {
	if stats.Count == 0 {
		return profile
	}

	n1, n2 := float64(profile.SampleCount), float64(stats.Count)
	n := n1 + n2
	w1, w2 := n1/n, n2/n

	mean := w1*profile.Mean + w2*stats.Mean
	variance := w1*(profile.Std*profile.Std+(profile.Mean-mean)*(profile.Mean-mean)) +
		w2*(stats.Std*stats.Std+(stats.Mean-mean)*(stats.Mean-mean))

	out := domain.TypingProfile{
		UserID:        profile.UserID,
		Mean:          mean,
		Std:           math.Sqrt(variance),
		Median:        w1*profile.Median + w2*stats.Median,
		P95:           w1*profile.P95 + w2*stats.P95,
		BackspaceRate: w1*profile.BackspaceRate + w2*stats.BackspaceRate,
		SampleCount:   profile.SampleCount + stats.Count,
		SessionCount:  profile.SessionCount + 1,
		UpdatedAt:     a.now().UTC(),
	}
	if out.Mean > 0 {
		out.CV = out.Std / out.Mean
	}
	return out
}

// Profiles persists typing profiles in the shared store and announces
// updates on the bus so they can be snapshotted durably.
type Profiles struct {
	store domain.Store
	bus   domain.EventBus
}

// NewProfiles creates a profile store. bus may be nil.
func NewProfiles(store domain.Store, bus domain.EventBus) *Profiles {
	return &Profiles{store: store, bus: bus}
}

// Get returns the stored profile, or nil when the user has none.
func (p *Profiles) Get(ctx context.Context, userID string) (*domain.TypingProfile, error) {
	raw, err := p.store.Get(ctx, profileKey(userID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var profile domain.TypingProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode typing profile: %w", err)
	}
	return &profile, nil
}

// Save stores a profile. Last write wins.
func (p *Profiles) Save(ctx context.Context, profile domain.TypingProfile) error {
	if profile.UserID == "" {
		return domain.NewValidationError("userId", "required")
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode typing profile: %w", err)
	}
	if err := p.store.Set(ctx, profileKey(profile.UserID), data, ProfileTTL); err != nil {
		return err
	}

	if p.bus != nil {
		if err := p.bus.Publish(ctx, domain.TopicProfileUpdated, data); err != nil {
			slog.Warn("failed to publish typing profile", "userId", profile.UserID, "error", err)
		}
	}
	return nil
}

func profileKey(userID string) string {
	return "behavior:typing:" + userID
}
