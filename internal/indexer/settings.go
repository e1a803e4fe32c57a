package indexer

import (
	"context"
	"slices"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
)

func (e *Engine) updateSettings(ctx context.Context, txn *kvstore.Txn, st *state, diff update.Settings) (update.Outcome, error) {
	next := ApplySettings(st.settings, diff)
	reindex := !slices.Equal(next.SearchableAttributes, st.settings.SearchableAttributes) ||
		(next.SearchableAttributes == nil) != (st.settings.SearchableAttributes == nil) ||
		!slices.Equal(next.StopWords, st.settings.StopWords)

	st.settings = next
	if err := putJSON(txn, keySettings, next); err != nil {
		return update.Outcome{}, err
	}

	out := update.Outcome{PrimaryKey: st.meta.PrimaryKey}
	if !reindex {
		return out, nil
	}
	n, err := e.reindex(ctx, txn, next)
	if err != nil {
		return update.Outcome{}, err
	}
	e.logger.Debug("index rebuilt after settings change", "documents", n)
	out.IndexedDocuments = n
	return out, nil
}

// ApplySettings folds a partial diff into the current settings.
func ApplySettings(cur Settings, diff update.Settings) Settings {
	next := cur
	next.SearchableAttributes = applyList(cur.SearchableAttributes, diff.SearchableAttributes)
	next.DisplayedAttributes = applyList(cur.DisplayedAttributes, diff.DisplayedAttributes)
	next.StopWords = applyList(cur.StopWords, diff.StopWords)
	switch diff.DistinctAttribute.Mode {
	case update.SettingSet:
		next.DistinctAttribute = diff.DistinctAttribute.Value
	case update.SettingReset:
		next.DistinctAttribute = ""
	}
	return next
}

func applyList(cur []string, s update.Setting[[]string]) []string {
	switch s.Mode {
	case update.SettingSet:
		if s.Value == nil {
			return []string{}
		}
		return slices.Clone(s.Value)
	case update.SettingReset:
		return nil
	default:
		return cur
	}
}

// reindex drops every posting and rebuilds them from the stored documents.
func (e *Engine) reindex(ctx context.Context, txn *kvstore.Txn, settings Settings) (int, error) {
	for _, prefix := range [][]byte{prefixForward, prefixTerm} {
		if _, err := txn.DeletePrefix(prefix); err != nil {
			return 0, err
		}
	}

	var docs []preparedDoc
	err := txn.Iterate(prefixDoc, false, func(key, val []byte) error {
		doc, err := decodeDocument(val)
		if err != nil {
			return apperrors.Storage("decoding stored document", err)
		}
		docs = append(docs, preparedDoc{id: string(key[len(prefixDoc):]), doc: doc})
		return nil
	})
	if err != nil {
		return 0, err
	}

	stops := tokenizer.NewStopWords(settings.StopWords)
	for i := range docs {
		if i%e.checkpointEvery == 0 {
			if err := checkpoint(ctx, i); err != nil {
				return 0, err
			}
		}
		docs[i].terms = termsOf(docs[i].doc, settings.SearchableAttributes, stops)
		if err := writeDocument(txn, docs[i]); err != nil {
			return 0, err
		}
	}
	return len(docs), nil
}
