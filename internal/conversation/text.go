package conversation

import (
	"strings"
	"unicode"
)

var stopwords = toSet(
	"a", "an", "and", "are", "as", "at", "be", "been", "but", "by", "can", "did", "do", "does",
	"for", "from", "had", "has", "have", "he", "her", "him", "his", "how", "i", "if", "in", "into",
	"is", "it", "its", "just", "me", "my", "no", "not", "of", "on", "or", "our", "she", "so",
	"that", "the", "their", "them", "then", "there", "they", "this", "to", "too", "was", "we",
	"were", "what", "when", "where", "which", "who", "why", "will", "with", "would", "you", "your",
	"yes", "im", "dont", "about", "all", "any", "some", "very", "really", "also", "get", "got",
)

// Short acknowledgments that carry no conversational effort.
var lowEffort = toSet(
	"hi", "hey", "hello", "yo", "sup", "ok", "okay", "k", "kk", "lol", "lmao", "rofl", "haha",
	"hehe", "yes", "yeah", "yep", "yup", "no", "nope", "nah", "sure", "cool", "nice", "thanks",
	"thx", "ty", "hmm", "wow", "idk", "same", "true", "ya", "mhm", "ikr", "brb", "gg",
)

var interrogatives = []string{
	"what", "why", "how", "when", "where", "who", "which", "whose",
	"can", "could", "would", "will", "should", "do", "does", "did", "is", "are",
	"please", "tell me", "let me know", "i wonder",
}

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// tokenize lowercases s and splits it into words. Apostrophes are dropped so
// "don't" and "dont" match.
func tokenize(s string) []string {
	s = strings.ReplaceAll(strings.ToLower(s), "'", "")
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// contentWords returns the distinct non-stopword tokens of at least three
// characters.
func contentWords(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range tokenize(s) {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, ok := stopwords[w]; ok {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := overlap(a, b)
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

func isLowEffort(s string) bool {
	trimmed := strings.TrimSpace(s)
	if len([]rune(trimmed)) < 5 {
		return true
	}
	normalized := strings.Join(tokenize(trimmed), " ")
	_, ok := lowEffort[normalized]
	return ok
}

func isQuestion(s string) bool {
	if strings.Contains(s, "?") {
		return true
	}
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range interrogatives {
		if lower == prefix || strings.HasPrefix(lower, prefix+" ") {
			return true
		}
	}
	return false
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
