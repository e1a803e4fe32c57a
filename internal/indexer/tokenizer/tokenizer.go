// Package tokenizer provides text tokenisation for the search engine.
// It lower-cases input, splits on non-alphanumeric boundaries, removes
// stop-words (the built-in list plus any configured per index), and applies
// a simple suffix-based stemmer.
package tokenizer

import (
	"strings"
	"unicode"
)

var defaultStopWords = StopWords{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
}

// StopWords is a set of lower-cased words dropped during tokenisation.
type StopWords map[string]struct{}

// NewStopWords builds a set from the index's configured stop words.
func NewStopWords(words []string) StopWords {
	set := make(StopWords, len(words))
	for _, w := range words {
		set[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return set
}

func (s StopWords) has(word string) bool {
	if _, ok := defaultStopWords[word]; ok {
		return true
	}
	_, ok := s[word]
	return ok
}

// Token represents a single normalised term and its position in the
// original text.
type Token struct {
	Term     string
	Position int
}

// Tokenize breaks text into a slice of stemmed, lowercased Tokens with
// stop-words removed.
func Tokenize(text string, stops StopWords) []Token {
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]Token, 0, len(words)/2)
	pos := 0
	for _, word := range words {
		if len(word) < 2 || stops.has(word) {
			continue
		}
		stemmed := stem(word)
		if stemmed == "" {
			continue
		}
		tokens = append(tokens, Token{
			Term:     stemmed,
			Position: pos,
		})
		pos++
	}
	return tokens
}

// Frequencies counts how often every term occurs in text.
func Frequencies(text string, stops StopWords) map[string]int {
	freqs := make(map[string]int)
	for _, tok := range Tokenize(text, stops) {
		freqs[tok.Term]++
	}
	return freqs
}

type suffixRule struct {
	suffix      string
	replacement string
	minLen      int
}

// rules are checked in order; the first matching suffix wins.
var rules = []suffixRule{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"ed", "", 3},
	{"ly", "", 3},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}

func stem(word string) string {
	for _, rule := range rules {
		if strings.HasSuffix(word, rule.suffix) {
			newWord := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(newWord) >= rule.minLen {
				return newWord
			}
		}
	}
	return word
}
