// Package conversation scores the quality of chat conversations to catch
// low-effort or scripted engagement.
package conversation

import (
	"math"
	"slices"
	"strings"

	"github.com/opensource-finance/warden/internal/domain"
)

// Analyzer scores conversations with content and pacing heuristics.
type Analyzer struct {
	cfg domain.ConversationConfig
}

// NewAnalyzer creates an analyzer with the given weights.
func NewAnalyzer(cfg domain.ConversationConfig) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze scores a conversation. messages must be in chronological order.
// character is optional; without it relevance is not scored. Conversations
// with fewer than MinUserMessages user messages get a neutral
// zero-confidence result.
func (a *Analyzer) Analyze(messages []domain.ConversationMessage, character *domain.CharacterMetadata) domain.ConversationQuality {
	var user []domain.ConversationMessage
	for _, m := range messages {
		if m.Role == domain.RoleUser {
			user = append(user, m)
		}
	}

	q := domain.ConversationQuality{UserMessageCount: len(user), QualityScore: 100, CharacterRelevance: 1}
	if len(user) < a.cfg.MinUserMessages || len(user) == 0 {
		return q
	}

	var suspicion float64
	flag := func(weight float64, flags ...string) {
		suspicion += weight
		q.Flags = append(q.Flags, flags...)
	}

	content := make([]map[string]struct{}, len(user))
	for i, m := range user {
		content[i] = contentWords(m.Content)
	}

	// 1. Coherence between consecutive user messages.
	q.SemanticCoherence = coherence(content)
	if q.SemanticCoherence < 0.3 {
		flag(a.cfg.CoherenceWeight, domain.FlagLowCoherence)
	}

	// 2. Topic diversity.
	var tokens []string
	for _, m := range user {
		tokens = append(tokens, tokenize(m.Content)...)
	}
	q.TopicDiversity = diversity(tokens)
	switch {
	case q.TopicDiversity < 0.2:
		flag(a.cfg.DiversityWeight, domain.FlagRepetitiveTopics)
	case q.TopicDiversity > 0.9:
		flag(a.cfg.DiversityWeight, domain.FlagIncoherentTopics)
	}

	// 3. Replies faster than the previous assistant message can be read.
	a.timing(messages, &q)
	if q.SuspiciousTiming > 0.3 {
		flag(a.cfg.TimingWeight, domain.FlagFastResponses)
	}

	// 4. Message length.
	lengths := make([]float64, len(user))
	for i, m := range user {
		lengths[i] = float64(len([]rune(m.Content)))
	}
	q.MeanMessageLength, q.StdMessageLength = meanStd(lengths)
	var lengthFlags []string
	if q.MeanMessageLength < 10 {
		lengthFlags = append(lengthFlags, domain.FlagShortMessages)
	}
	if q.MeanMessageLength > 0 && q.StdMessageLength/q.MeanMessageLength < 0.1 {
		lengthFlags = append(lengthFlags, domain.FlagUniformLength)
	}
	if len(lengthFlags) > 0 {
		flag(a.cfg.LengthWeight, lengthFlags...)
	}

	// 5. Type-token ratio.
	if len(tokens) > 0 {
		distinct := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			distinct[t] = struct{}{}
		}
		q.VocabularyRichness = float64(len(distinct)) / float64(len(tokens))
	}
	if q.VocabularyRichness < 0.3 {
		flag(a.cfg.VocabularyWeight, domain.FlagLimitedVocabulary)
	}

	// 6. Low-effort acknowledgments.
	lowEffortCount := 0
	for _, m := range user {
		if isLowEffort(m.Content) {
			lowEffortCount++
		}
	}
	q.LowEffortRatio = float64(lowEffortCount) / float64(len(user))
	if q.LowEffortRatio > 0.5 {
		flag(a.cfg.LowEffortWeight, domain.FlagLowEffort)
	}

	// 7. Context retention.
	q.ContextRetention = retention(messages)
	if len(user) > 5 && q.ContextRetention < 0.2 {
		flag(a.cfg.ContextWeight, domain.FlagPoorContext)
	}

	// 8. Question rate.
	questions := 0
	for _, m := range user {
		if isQuestion(m.Content) {
			questions++
		}
	}
	q.QuestionRate = float64(questions) / float64(len(user))
	if len(user) > 5 && q.QuestionRate < 0.05 {
		flag(a.cfg.QuestionWeight, domain.FlagLowEngagement)
	}

	// 9. Character relevance.
	if character != nil {
		q.CharacterRelevance = relevance(content, character)
		if q.CharacterRelevance < 0.3 {
			flag(a.cfg.RelevanceWeight, domain.FlagCharacterIrrelevant)
		}
	}

	q.SuspicionScore = math.Max(0, math.Min(100, suspicion))
	q.QualityScore = 100 - q.SuspicionScore
	q.IsLowQuality = q.QualityScore < a.cfg.LowQualityBelow
	q.Confidence = 1
	if a.cfg.FullConfidenceAt > 0 {
		q.Confidence = math.Min(1, float64(len(user))/float64(a.cfg.FullConfidenceAt))
	}
	return q
}

// coherence averages the normalized Jaccard similarity of consecutive
// messages. Raw token overlap between natural messages is small, so the
// similarity is scaled by 3 and capped at 1.
func coherence(content []map[string]struct{}) float64 {
	if len(content) < 2 {
		return 1
	}
	var sum float64
	for i := 1; i < len(content); i++ {
		sum += math.Min(1, 3*jaccard(content[i-1], content[i]))
	}
	return sum / float64(len(content)-1)
}

// diversity is the Shannon entropy of the word distribution normalized by
// its maximum, log(len(tokens)).
func diversity(tokens []string) float64 {
	if len(tokens) < 2 {
		return 0
	}
	freq := make(map[string]int)
	for _, t := range tokens {
		freq[t]++
	}
	n := float64(len(tokens))
	var h float64
	for _, c := range freq {
		p := float64(c) / n
		h -= p * math.Log(p)
	}
	return h / math.Log(n)
}

func (a *Analyzer) timing(messages []domain.ConversationMessage, q *domain.ConversationQuality) {
	wpm := a.cfg.ReadingWPM
	if wpm <= 0 {
		wpm = 250
	}

	var delays []float64
	suspicious := 0
	for i := 1; i < len(messages); i++ {
		prev, cur := messages[i-1], messages[i]
		if cur.Role != domain.RoleUser || prev.Role != domain.RoleAssistant {
			continue
		}
		delay := float64(cur.Timestamp.Sub(prev.Timestamp).Milliseconds())
		delays = append(delays, delay)

		expected := float64(wordCount(prev.Content)) / wpm * 60000
		if delay < math.Max(500, 0.3*expected) {
			suspicious++
		}
	}
	if len(delays) == 0 {
		return
	}
	q.MeanResponseTimeMs, q.StdResponseTimeMs = meanStd(delays)
	q.SuspiciousTiming = float64(suspicious) / float64(len(delays))
}

// retention is the share of user messages after the third that reuse at
// least two content words from a single earlier message.
func retention(messages []domain.ConversationMessage) float64 {
	earlier := make([]map[string]struct{}, 0, len(messages))
	userIndex, checked, retained := 0, 0, 0
	for _, m := range messages {
		words := contentWords(m.Content)
		if m.Role == domain.RoleUser {
			if userIndex >= 3 {
				checked++
				if slices.ContainsFunc(earlier, func(prev map[string]struct{}) bool {
					return overlap(words, prev) >= 2
				}) {
					retained++
				}
			}
			userIndex++
		}
		earlier = append(earlier, words)
	}
	if checked == 0 {
		return 1
	}
	return float64(retained) / float64(checked)
}

// relevance is the share of user messages mentioning at least one of the
// character's keywords. A character without keywords counts as relevant.
func relevance(content []map[string]struct{}, c *domain.CharacterMetadata) float64 {
	keywords := contentWords(strings.Join(append([]string{c.Name, c.Prompt, c.Category}, c.Traits...), " "))
	if len(keywords) == 0 {
		return 1
	}
	hits := 0
	for _, words := range content {
		if overlap(words, keywords) > 0 {
			hits++
		}
	}
	return float64(hits) / float64(len(content))
}

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
