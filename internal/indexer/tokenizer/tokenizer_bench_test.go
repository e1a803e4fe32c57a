package tokenizer

import (
	"fmt"
	"strings"
	"testing"
)

var sampleTexts = map[string]string{
	"short": "The quick brown fox jumps over the lazy dog",
	"medium": `Updates are queued in a persistent store and applied one at a time by a
        single processor. Each index keeps its own documents, settings and postings,
        and every mutation is committed in one transaction so a crash never leaves an
        index half written. Snapshots archive the registry, the queue and every index.`,
	"long": strings.Repeat(`Information retrieval systems combine tokenization, stemming and
        stop word removal to normalize text into searchable terms. The inverted index maps
        each term to the documents containing it. Ranking considers term frequency and
        inverse document frequency to produce relevance scores. `, 20),
}

func BenchmarkTokenize(b *testing.B) {
	for name, text := range sampleTexts {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for b.Loop() {
				_ = Tokenize(text, nil)
			}
		})
	}
}

func BenchmarkTokenizeParallel(b *testing.B) {
	text := sampleTexts["medium"]
	stops := NewStopWords([]string{"the", "a", "and", "of"})
	b.ReportAllocs()
	b.SetBytes(int64(len(text)))
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = Tokenize(text, stops)
		}
	})
}

func BenchmarkFrequenciesVaryingSize(b *testing.B) {
	baseWord := "queued update snapshot registry indexing "
	for _, size := range []int{10, 100, 1000, 5000} {
		text := strings.Repeat(baseWord, size/len(baseWord)+1)[:size]
		b.Run(fmt.Sprintf("bytes_%d", size), func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for b.Loop() {
				_ = Frequencies(text, nil)
			}
		})
	}
}
