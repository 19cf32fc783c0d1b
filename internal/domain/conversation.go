package domain

import "time"

// MessageRole is the author of a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
)

// ConversationMessage is one message of a conversation, in order.
type ConversationMessage struct {
	Role      MessageRole `json:"role" validate:"required,oneof=USER ASSISTANT"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp" validate:"required"`
}

// CharacterMetadata describes the character a user is chatting with.
type CharacterMetadata struct {
	Name     string   `json:"name"`
	Prompt   string   `json:"prompt"`
	Traits   []string `json:"traits,omitempty"`
	Category string   `json:"category,omitempty"`
}

// Quality flags.
const (
	FlagLowCoherence        = "low_coherence"
	FlagRepetitiveTopics    = "repetitive_topics"
	FlagIncoherentTopics    = "incoherent_topic_switching"
	FlagFastResponses       = "fast_responses"
	FlagShortMessages       = "short_messages"
	FlagUniformLength       = "uniform_message_length"
	FlagLimitedVocabulary   = "limited_vocabulary"
	FlagLowEffort           = "low_effort_messages"
	FlagPoorContext         = "poor_context_retention"
	FlagLowEngagement       = "low_question_rate"
	FlagCharacterIrrelevant = "character_irrelevant"
)

// ConversationQuality is the per-conversation quality assessment.
type ConversationQuality struct {
	SemanticCoherence  float64  `json:"semanticCoherence"`
	TopicDiversity     float64  `json:"topicDiversity"`
	ContextRetention   float64  `json:"contextRetention"`
	QuestionRate       float64  `json:"questionRate"`
	VocabularyRichness float64  `json:"vocabularyRichness"`
	LowEffortRatio     float64  `json:"lowEffortRatio"`
	SuspiciousTiming   float64  `json:"suspiciousTimingRatio"`
	CharacterRelevance float64  `json:"characterRelevance"`
	MeanMessageLength  float64  `json:"meanMessageLength"`
	StdMessageLength   float64  `json:"stdMessageLength"`
	MeanResponseTimeMs float64  `json:"meanResponseTimeMs"`
	StdResponseTimeMs  float64  `json:"stdResponseTimeMs"`
	UserMessageCount   int      `json:"userMessageCount"`
	SuspicionScore     float64  `json:"suspicionScore"`
	QualityScore       float64  `json:"qualityScore"`
	IsLowQuality       bool     `json:"isLowQuality"`
	Confidence         float64  `json:"confidence"`
	Flags              []string `json:"flags,omitempty"`
}

// ConversationConfig tunes the conversation analyzer. Each weight is the
// suspicion contribution of its signal when triggered.
type ConversationConfig struct {
	MinUserMessages  int     `koanf:"min_user_messages" json:"minUserMessages"`
	FullConfidenceAt int     `koanf:"full_confidence_at" json:"fullConfidenceAt"`
	LowQualityBelow  float64 `koanf:"low_quality_below" json:"lowQualityBelow"`
	ReadingWPM       float64 `koanf:"reading_wpm" json:"readingWpm"`

	CoherenceWeight  float64 `koanf:"coherence_weight" json:"coherenceWeight"`
	DiversityWeight  float64 `koanf:"diversity_weight" json:"diversityWeight"`
	TimingWeight     float64 `koanf:"timing_weight" json:"timingWeight"`
	LengthWeight     float64 `koanf:"length_weight" json:"lengthWeight"`
	VocabularyWeight float64 `koanf:"vocabulary_weight" json:"vocabularyWeight"`
	LowEffortWeight  float64 `koanf:"low_effort_weight" json:"lowEffortWeight"`
	ContextWeight    float64 `koanf:"context_weight" json:"contextWeight"`
	QuestionWeight   float64 `koanf:"question_weight" json:"questionWeight"`
	RelevanceWeight  float64 `koanf:"relevance_weight" json:"relevanceWeight"`
}

// DefaultConversationConfig returns the stock analyzer weights.
func DefaultConversationConfig() ConversationConfig {
	return ConversationConfig{
		MinUserMessages:  3,
		FullConfidenceAt: 10,
		LowQualityBelow:  50,
		ReadingWPM:       250,
		CoherenceWeight:  15,
		DiversityWeight:  10,
		TimingWeight:     20,
		LengthWeight:     10,
		VocabularyWeight: 10,
		LowEffortWeight:  20,
		ContextWeight:    10,
		QuestionWeight:   5,
		RelevanceWeight:  10,
	}
}
