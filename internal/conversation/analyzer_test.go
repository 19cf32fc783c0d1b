package conversation

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/warden/internal/domain"
)

// dialogue interleaves user and assistant messages, each user reply arriving
// replyAfter the assistant message before it.
func dialogue(user, assistant []string, replyAfter time.Duration) []domain.ConversationMessage {
	ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var out []domain.ConversationMessage
	for i, u := range user {
		out = append(out, domain.ConversationMessage{Role: domain.RoleUser, Content: u, Timestamp: ts})
		ts = ts.Add(2 * time.Second)
		if i < len(assistant) {
			out = append(out, domain.ConversationMessage{Role: domain.RoleAssistant, Content: assistant[i], Timestamp: ts})
		}
		ts = ts.Add(replyAfter)
	}
	return out
}

var captainUser = []string{
	"Captain, what made you want to command a starship in the first place?",
	"That sounds amazing. Which distant galaxies did your starship visit first?",
	"I love the idea of nebulae. Were the nebulae dangerous for the starship crew?",
	"How did the crew handle danger near those nebulae? Were you brave the whole time?",
	"Did the crew ever doubt their brave captain?",
	"What kept the crew loyal to their captain during the darkest moments?",
	"I think the crew trusted you because you were curious and honest with them, even when the missions went badly and the captain had to make hard calls.",
	"Tell me about the strangest galaxies the crew mapped on that voyage.",
}

var captainAssistant = []string{
	"I wanted to command a starship because the stars always called to me.",
	"We visited the distant Andromeda galaxies first, a long voyage for the crew.",
	"The nebulae were beautiful but dangerous, the crew had to stay alert.",
	"The crew handled danger well, though I was not always brave.",
	"Once or twice the crew doubted their captain, and I earned their trust back.",
	"Loyalty came from honesty, the crew knew their captain would never lie.",
	"Curious minds make honest crews, and we trusted each other completely.",
	"The strangest galaxies glowed green, the crew mapped them for weeks.",
}

var captain = &domain.CharacterMetadata{
	Name:     "Captain Mira",
	Prompt:   "A starship captain exploring distant galaxies and nebulae",
	Traits:   []string{"brave", "curious"},
	Category: "scifi",
}

func TestAnalyze(t *testing.T) {
	a := NewAnalyzer(domain.DefaultConversationConfig())

	t.Run("RepeatedOkIsLowQuality", func(t *testing.T) {
		user := make([]string, 10)
		assistant := make([]string, 10)
		for i := range user {
			user[i] = "ok"
			assistant[i] = strings.Repeat("the captain tells another long story about the stars ", 5)
		}
		q := a.Analyze(dialogue(user, assistant, 200*time.Millisecond), nil)

		if !q.IsLowQuality {
			t.Fatalf("expected low quality, got score %.1f flags %v", q.QualityScore, q.Flags)
		}
		for _, want := range []string{domain.FlagLowEffort, domain.FlagLowCoherence, domain.FlagFastResponses, domain.FlagLimitedVocabulary} {
			if !slices.Contains(q.Flags, want) {
				t.Errorf("expected flag %s in %v", want, q.Flags)
			}
		}
		if q.LowEffortRatio != 1 || q.SuspiciousTiming != 1 {
			t.Errorf("expected all messages low effort and fast, got %v / %v", q.LowEffortRatio, q.SuspiciousTiming)
		}
		if q.Confidence != 1 {
			t.Errorf("expected full confidence at 10 user messages, got %v", q.Confidence)
		}
	})

	t.Run("EngagedConversationPasses", func(t *testing.T) {
		q := a.Analyze(dialogue(captainUser, captainAssistant, 30*time.Second), captain)

		if q.IsLowQuality || len(q.Flags) != 0 {
			t.Fatalf("expected clean conversation, got score %.1f flags %v", q.QualityScore, q.Flags)
		}
		if q.QualityScore != 100 {
			t.Errorf("expected quality 100, got %.1f", q.QualityScore)
		}
		if q.CharacterRelevance != 1 || q.ContextRetention != 1 {
			t.Errorf("expected full relevance and retention, got %v / %v", q.CharacterRelevance, q.ContextRetention)
		}
		if q.QuestionRate < 0.5 {
			t.Errorf("expected a high question rate, got %v", q.QuestionRate)
		}
		if q.Confidence != 0.8 {
			t.Errorf("expected confidence 0.8 at 8 user messages, got %v", q.Confidence)
		}
	})

	t.Run("OffCharacter", func(t *testing.T) {
		chef := &domain.CharacterMetadata{Name: "Chef Rosa", Prompt: "An Italian chef who teaches pasta recipes", Traits: []string{"warm", "patient"}, Category: "cooking"}
		q := a.Analyze(dialogue(captainUser, captainAssistant, 30*time.Second), chef)
		if !slices.Contains(q.Flags, domain.FlagCharacterIrrelevant) {
			t.Errorf("expected irrelevance flag, got %v", q.Flags)
		}
		if q.IsLowQuality {
			t.Errorf("irrelevance alone should not make a conversation low quality, score %.1f", q.QualityScore)
		}
	})

	t.Run("TooFewMessages", func(t *testing.T) {
		q := a.Analyze(dialogue([]string{"ok", "ok"}, []string{"hello there"}, 0), nil)
		if q.Confidence != 0 || q.IsLowQuality || q.QualityScore != 100 || len(q.Flags) != 0 {
			t.Errorf("expected neutral zero-confidence result, got %+v", q)
		}
		if q.UserMessageCount != 2 {
			t.Errorf("expected 2 user messages counted, got %d", q.UserMessageCount)
		}
	})

	t.Run("WeightsAreConfigurable", func(t *testing.T) {
		cfg := domain.DefaultConversationConfig()
		cfg.LowEffortWeight = 60
		user := []string{"ok", "lol", "nice one, tell me more about that ship"}
		q := NewAnalyzer(cfg).Analyze(dialogue(user, []string{"sure", "sure", "sure"}, 10*time.Second), nil)
		if !slices.Contains(q.Flags, domain.FlagLowEffort) || q.SuspicionScore < 60 {
			t.Errorf("expected the low effort weight to dominate, got %.1f %v", q.SuspicionScore, q.Flags)
		}
	})
}

func TestRetention(t *testing.T) {
	msgs := func(user ...string) []domain.ConversationMessage {
		var out []domain.ConversationMessage
		for _, u := range user {
			out = append(out, domain.ConversationMessage{Role: domain.RoleUser, Content: u})
		}
		return out
	}

	t.Run("OverlapWithOneMessage", func(t *testing.T) {
		got := retention(msgs(
			"dragons guard mountain treasure",
			"weather seems calm",
			"boats drift slowly",
			"which mountain treasure matters most",
		))
		if got != 1 {
			t.Errorf("expected full retention, got %v", got)
		}
	})

	t.Run("ScatteredWordsDoNotCount", func(t *testing.T) {
		got := retention(msgs(
			"dragons guard caves",
			"mountain weather shifts",
			"treasure hunters wander",
			"dragons roam mountain treasure",
		))
		if got != 0 {
			t.Errorf("expected words spread over several messages not to count, got %v", got)
		}
	})

	t.Run("TooShortToJudge", func(t *testing.T) {
		if got := retention(msgs("one", "two", "three")); got != 1 {
			t.Errorf("expected 1 with nothing to check, got %v", got)
		}
	})
}

func TestTextHelpers(t *testing.T) {
	t.Run("LowEffort", func(t *testing.T) {
		for _, s := range []string{"ok", "OK!!", "lol", "k", "Thanks!", "  hey  ", "yeah"} {
			if !isLowEffort(s) {
				t.Errorf("expected %q to be low effort", s)
			}
		}
		for _, s := range []string{"what happened next?", "tell me a story"} {
			if isLowEffort(s) {
				t.Errorf("expected %q not to be low effort", s)
			}
		}
	})

	t.Run("Question", func(t *testing.T) {
		for _, s := range []string{"really?", "How are you", "please continue", "Tell me more", "could you explain"} {
			if !isQuestion(s) {
				t.Errorf("expected %q to be a question", s)
			}
		}
		for _, s := range []string{"I see", "whatever", "nice"} {
			if isQuestion(s) {
				t.Errorf("expected %q not to be a question", s)
			}
		}
	})

	t.Run("Diversity", func(t *testing.T) {
		if d := diversity([]string{"ok", "ok", "ok"}); d != 0 {
			t.Errorf("expected zero diversity, got %v", d)
		}
		if d := diversity([]string{"a", "b", "c", "d"}); d < 0.999 {
			t.Errorf("expected maximal diversity, got %v", d)
		}
	})
}
