package indexer

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
)

const (
	k1 = 1.2
	b  = 0.75

	DefaultLimit = 20
	MaxLimit     = 1000
)

// SearchRequest is a keyword query against one index.
type SearchRequest struct {
	Query  string `json:"q"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

// SearchResult holds one page of ranked hits.
type SearchResult struct {
	Hits             []Document `json:"hits"`
	Query            string     `json:"query"`
	Offset           int        `json:"offset"`
	Limit            int        `json:"limit"`
	EstimatedTotal   int        `json:"estimatedTotalHits"`
	ProcessingTimeMs int64      `json:"processingTimeMs"`
}

// Stats summarises the documents of an index.
type Stats struct {
	NumberOfDocuments int            `json:"numberOfDocuments"`
	FieldDistribution map[string]int `json:"fieldDistribution"`
}

type scoredDoc struct {
	id    string
	score float64
}

// GetDocument returns one document restricted to the displayed attributes.
func GetDocument(txn *kvstore.Txn, id string) (Document, error) {
	settings, err := ReadSettings(txn)
	if err != nil {
		return nil, err
	}
	doc, ok, err := readDocument(txn, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("document %q: %w", id, apperrors.ErrNotFound)
	}
	return project(doc, settings.DisplayedAttributes), nil
}

// ListDocuments pages through documents in id order.
func ListDocuments(txn *kvstore.Txn, offset, limit int) ([]Document, error) {
	settings, err := ReadSettings(txn)
	if err != nil {
		return nil, err
	}
	offset, limit = clampPage(offset, limit)
	docs := make([]Document, 0, limit)
	skipped := 0
	err = txn.Iterate(prefixDoc, false, func(_, val []byte) error {
		if skipped < offset {
			skipped++
			return nil
		}
		doc, err := decodeDocument(val)
		if err != nil {
			return apperrors.Storage("decoding stored document", err)
		}
		docs = append(docs, project(doc, settings.DisplayedAttributes))
		if len(docs) == limit {
			return kvstore.ErrStop
		}
		return nil
	})
	return docs, err
}

// Search ranks documents with BM25 over the query terms. An empty query
// returns documents in id order.
func Search(txn *kvstore.Txn, req SearchRequest) (*SearchResult, error) {
	start := time.Now()
	settings, err := ReadSettings(txn)
	if err != nil {
		return nil, err
	}
	offset, limit := clampPage(req.Offset, req.Limit)

	ranked, err := rank(txn, tokenizer.Frequencies(req.Query, tokenizer.NewStopWords(settings.StopWords)), req.Query == "")
	if err != nil {
		return nil, err
	}

	var seenDistinct map[string]struct{}
	if settings.DistinctAttribute != "" {
		seenDistinct = make(map[string]struct{})
	}
	hits := make([]Document, 0, limit)
	total := 0
	for _, sd := range ranked {
		doc, ok, err := readDocument(txn, sd.id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if seenDistinct != nil {
			if v, has := doc[settings.DistinctAttribute]; has {
				key := fmt.Sprint(v)
				if _, dup := seenDistinct[key]; dup {
					continue
				}
				seenDistinct[key] = struct{}{}
			}
		}
		if total >= offset && len(hits) < limit {
			hits = append(hits, project(doc, settings.DisplayedAttributes))
		}
		total++
	}

	return &SearchResult{
		Hits:             hits,
		Query:            req.Query,
		Offset:           offset,
		Limit:            limit,
		EstimatedTotal:   total,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// ReadStats counts documents and the fields they carry.
func ReadStats(txn *kvstore.Txn) (Stats, error) {
	st := Stats{FieldDistribution: make(map[string]int)}
	err := txn.Iterate(prefixDoc, false, func(_, val []byte) error {
		doc, err := decodeDocument(val)
		if err != nil {
			return apperrors.Storage("decoding stored document", err)
		}
		st.NumberOfDocuments++
		for field := range doc {
			st.FieldDistribution[field]++
		}
		return nil
	})
	return st, err
}

func rank(txn *kvstore.Txn, query map[string]int, placeholder bool) ([]scoredDoc, error) {
	lengths := make(map[string]int)
	totalLength := 0
	err := txn.Iterate(prefixForward, false, func(key, val []byte) error {
		var fwd forwardEntry
		if err := json.Unmarshal(val, &fwd); err != nil {
			return apperrors.Storage("decoding forward entry", err)
		}
		lengths[string(key[len(prefixForward):])] = fwd.Length
		totalLength += fwd.Length
		return nil
	})
	if err != nil {
		return nil, err
	}

	if placeholder {
		ids := make([]scoredDoc, 0, len(lengths))
		for id := range lengths {
			ids = append(ids, scoredDoc{id: id})
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].id < ids[j].id })
		return ids, nil
	}
	if len(lengths) == 0 {
		return nil, nil
	}

	avg := float64(totalLength) / float64(len(lengths))
	scores := make(map[string]float64)
	for term := range query {
		postings := make(map[string]int)
		err := txn.Iterate(termPrefix(term), false, func(key, val []byte) error {
			postings[idFromTermKey(key)] = decodeFreq(val)
			return nil
		})
		if err != nil {
			return nil, err
		}
		idf := computeIDF(len(lengths), len(postings))
		for id, freq := range postings {
			scores[id] += idf * computeTFNorm(float64(freq), float64(lengths[id]), avg)
		}
	}

	result := make([]scoredDoc, 0, len(scores))
	for id, score := range scores {
		result = append(result, scoredDoc{id: id, score: math.Round(score*10000) / 10000})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].score != result[j].score {
			return result[i].score > result[j].score
		}
		return result[i].id < result[j].id
	})
	return result, nil
}

func computeIDF(totalDocs, docFreq int) float64 {
	numerator := float64(totalDocs) - float64(docFreq)
	denominator := float64(docFreq) + 0.5
	return math.Log(numerator/denominator + 1)
}

func computeTFNorm(termFreq, docLength, avgDocLength float64) float64 {
	if avgDocLength == 0 {
		return 0
	}
	lengthRatio := docLength / avgDocLength
	return (termFreq * (k1 + 1)) / (termFreq + k1*(1-b+b*lengthRatio))
}

func project(doc Document, displayed []string) Document {
	if displayed == nil {
		return doc
	}
	out := make(Document, len(displayed))
	for _, f := range displayed {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return offset, limit
}
