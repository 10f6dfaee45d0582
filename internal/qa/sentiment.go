package qa

import (
	"strings"
	"unicode"
)

// Analyzer estimates the sentiment of one turn in [-1, 1].
type Analyzer interface {
	Score(text string) float64
}

var (
	defaultPositive = []string{
		"great", "good", "excellent", "thanks", "thank", "appreciate", "perfect",
		"happy", "glad", "wonderful", "awesome", "resolved", "helpful", "pleased",
		"love", "fantastic", "nice", "satisfied", "easy", "fixed", "works",
	}
	defaultNegative = []string{
		"bad", "terrible", "awful", "late", "angry", "upset", "frustrated",
		"frustrating", "problem", "issue", "broken", "wrong", "worst", "hate",
		"cancel", "complaint", "unacceptable", "disappointed", "useless",
		"annoyed", "delay", "delayed", "refund", "poor", "horrible", "rude",
	}
	negators = map[string]struct{}{
		"not": {}, "no": {}, "never": {}, "don't": {}, "doesn't": {}, "didn't": {},
		"isn't": {}, "wasn't": {}, "aren't": {}, "can't": {}, "won't": {}, "hardly": {},
	}
)

// negationWindow is how many following words a negator flips.
const negationWindow = 3

// LexiconAnalyzer counts positive and negative words, flipping polarity for
// words shortly after a negator. A turn scores (pos-neg)/(pos+neg), or 0
// when it carries no sentiment words.
type LexiconAnalyzer struct {
	positive map[string]struct{}
	negative map[string]struct{}
}

func NewLexiconAnalyzer(extraPositive, extraNegative []string) *LexiconAnalyzer {
	a := &LexiconAnalyzer{
		positive: make(map[string]struct{}, len(defaultPositive)+len(extraPositive)),
		negative: make(map[string]struct{}, len(defaultNegative)+len(extraNegative)),
	}
	for _, w := range append(append([]string(nil), defaultPositive...), extraPositive...) {
		a.positive[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	for _, w := range append(append([]string(nil), defaultNegative...), extraNegative...) {
		a.negative[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return a
}

func (a *LexiconAnalyzer) Score(text string) float64 {
	var pos, neg float64
	negateLeft := 0
	for _, tok := range tokenize(text) {
		if _, ok := negators[tok]; ok {
			negateLeft = negationWindow
			continue
		}
		_, isPos := a.positive[tok]
		_, isNeg := a.negative[tok]
		negated := negateLeft > 0
		if negateLeft > 0 {
			negateLeft--
		}
		switch {
		case isPos && !negated, isNeg && negated:
			pos++
		case isNeg && !negated, isPos && negated:
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return (pos - neg) / (pos + neg)
}

func tokenize(text string) []string {
	text = strings.ReplaceAll(strings.ToLower(text), "’", "'")
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}
