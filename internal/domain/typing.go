package domain

import "time"

// KeystrokeEvent is one key press in a composition session.
type KeystrokeEvent struct {
	Key        string  `json:"key"`
	Timestamp  float64 `json:"timestamp"` // milliseconds
	IsModifier bool    `json:"isModifier"`
}

// TypingStats summarizes the inter-key interval distribution of a session.
type TypingStats struct {
	Count         int     `json:"count"`
	Mean          float64 `json:"mean"`
	Std           float64 `json:"std"`
	Median        float64 `json:"median"`
	P5            float64 `json:"p5"`
	P95           float64 `json:"p95"`
	Skewness      float64 `json:"skewness"`
	Kurtosis      float64 `json:"kurtosis"` // excess kurtosis
	CV            float64 `json:"cv"`
	BackspaceRate float64 `json:"backspaceRate"` // per 100 keystrokes
	PauseCount    int     `json:"pauseCount"`
	BurstMean     float64 `json:"burstMean"`
	BurstStd      float64 `json:"burstStd"`
	BurstCount    int     `json:"burstCount"`
}

// TypingFactor is one scored suspicion signal.
type TypingFactor struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"` // 0-100
	Weight    float64 `json:"weight"`
	Triggered bool    `json:"triggered"`
	Detail    string  `json:"detail,omitempty"`
}

// TypingAnalysis is the result of analyzing one keystroke stream.
type TypingAnalysis struct {
	Score        float64        `json:"score"` // 0-100, higher is more bot-like
	Confidence   float64        `json:"confidence"`
	IsSuspicious bool           `json:"isSuspicious"`
	Factors      []TypingFactor `json:"factors,omitempty"`
	Stats        TypingStats    `json:"stats"`
}

// TypingProfile holds a user's rolling typing statistics.
type TypingProfile struct {
	UserID        string    `json:"userId"`
	Mean          float64   `json:"mean"`
	Std           float64   `json:"std"`
	Median        float64   `json:"median"`
	P95           float64   `json:"p95"`
	CV            float64   `json:"cv"`
	BackspaceRate float64   `json:"backspaceRate"`
	SampleCount   int       `json:"sampleCount"`
	SessionCount  int       `json:"sessionCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ProfileComparison reports deviations of a session from a stored profile.
type ProfileComparison struct {
	Anomalous        bool     `json:"anomalous"`
	Anomalies        []string `json:"anomalies,omitempty"`
	MeanDeviation    float64  `json:"meanDeviation"`
	ConsistencyDelta float64  `json:"consistencyDelta"`
	BackspaceDelta   float64  `json:"backspaceDelta"`
}

// PasteEvent records one paste during composition.
type PasteEvent struct {
	Length    int     `json:"length"`
	Timestamp float64 `json:"timestamp"`
}

// CompositionSession describes how a message was composed.
type CompositionSession struct {
	StartedAt    float64      `json:"startedAt"` // milliseconds
	EndedAt      float64      `json:"endedAt"`
	FinalLength  int          `json:"finalLength" validate:"gte=0"`
	Keystrokes   int          `json:"keystrokes" validate:"gte=0"`
	Edits        int          `json:"edits" validate:"gte=0"`
	Pastes       []PasteEvent `json:"pastes,omitempty"`
	FocusLosses  int          `json:"focusLosses" validate:"gte=0"`
	ActiveTimeMs float64      `json:"activeTimeMs" validate:"gte=0"`
}

// CompositionAnalysis scores composition-level behavior.
type CompositionAnalysis struct {
	Score         float64  `json:"score"` // 0-100
	WPM           float64  `json:"wpm"`
	EditRatio     float64  `json:"editRatio"`
	PasteRatio    float64  `json:"pasteRatio"`
	FocusLossRate float64  `json:"focusLossRate"` // per minute
	ActiveRatio   float64  `json:"activeRatio"`
	Flags         []string `json:"flags,omitempty"`
}

// TypingConfig tunes the typing analyzer.
type TypingConfig struct {
	MinEvents           int     `koanf:"min_events" json:"minEvents"`
	FullConfidenceAt    int     `koanf:"full_confidence_at" json:"fullConfidenceAt"`
	SuspiciousThreshold float64 `koanf:"suspicious_threshold" json:"suspiciousThreshold"`

	MeanIKIWeight     float64 `koanf:"mean_iki_weight" json:"meanIkiWeight"`
	StdIKIWeight      float64 `koanf:"std_iki_weight" json:"stdIkiWeight"`
	ConsistencyWeight float64 `koanf:"consistency_weight" json:"consistencyWeight"`
	ShapeWeight       float64 `koanf:"shape_weight" json:"shapeWeight"`
	BackspaceWeight   float64 `koanf:"backspace_weight" json:"backspaceWeight"`
	PauseWeight       float64 `koanf:"pause_weight" json:"pauseWeight"`
	BurstWeight       float64 `koanf:"burst_weight" json:"burstWeight"`

	MinHumanMeanMs    float64 `koanf:"min_human_mean_ms" json:"minHumanMeanMs"`
	MinHumanStdMs     float64 `koanf:"min_human_std_ms" json:"minHumanStdMs"`
	MinHumanCV        float64 `koanf:"min_human_cv" json:"minHumanCv"`
	MinBackspaceRate  float64 `koanf:"min_backspace_rate" json:"minBackspaceRate"`
	PauseMs           float64 `koanf:"pause_ms" json:"pauseMs"`
	MaxHumanBurst     float64 `koanf:"max_human_burst" json:"maxHumanBurst"`
	MaxHumanWPM       float64 `koanf:"max_human_wpm" json:"maxHumanWpm"`
	MaxActiveRatio    float64 `koanf:"max_active_ratio" json:"maxActiveRatio"`
	ProfileMinSamples int     `koanf:"profile_min_samples" json:"profileMinSamples"`
}

// DefaultTypingConfig returns the stock analyzer weights and thresholds.
func DefaultTypingConfig() TypingConfig {
	return TypingConfig{
		MinEvents:           10,
		FullConfidenceAt:    100,
		SuspiciousThreshold: 60,
		MeanIKIWeight:       2,
		StdIKIWeight:        3,
		ConsistencyWeight:   2.5,
		ShapeWeight:         1.5,
		BackspaceWeight:     2,
		PauseWeight:         1.5,
		BurstWeight:         1,
		MinHumanMeanMs:      100,
		MinHumanStdMs:       30,
		MinHumanCV:          0.2,
		MinBackspaceRate:    2,
		PauseMs:             500,
		MaxHumanBurst:       40,
		MaxHumanWPM:         120,
		MaxActiveRatio:      0.95,
		ProfileMinSamples:   50,
	}
}
