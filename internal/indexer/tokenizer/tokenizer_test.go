package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("The Running dogs, and 2 CATS!", nil)

	terms := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		terms = append(terms, tok.Term)
	}
	assert.Equal(t, []string{"runn", "dog", "cat"}, terms)
	assert.Equal(t, 2, tokens[2].Position)
}

func TestTokenizeCustomStopWords(t *testing.T) {
	stops := NewStopWords([]string{" Dogs "})
	freqs := Frequencies("dogs chase dogs and cats", stops)

	assert.NotContains(t, freqs, "dog")
	assert.Equal(t, 1, freqs["chase"])
	assert.Equal(t, 1, freqs["cat"])
}

func TestStem(t *testing.T) {
	tests := map[string]string{
		"relational": "relate",
		"studies":    "study",
		"walked":     "walk",
		"boss":       "boss",
		"is":         "is",
	}
	for in, want := range tests {
		assert.Equal(t, want, stem(in), in)
	}
}
