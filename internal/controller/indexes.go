package controller

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/registry"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kvstore"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/logger"
)

func (c *Controller) ListIndexes() ([]registry.Info, error) {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return nil, err
	}
	return g.registry.List()
}

func (c *Controller) CreateIndex(ctx context.Context, uid, primaryKey string) (registry.Info, error) {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return registry.Info{}, err
	}
	info, err := g.registry.Create(uid, primaryKey)
	if err != nil {
		return registry.Info{}, err
	}
	logger.FromContext(ctx).Info("index created", "index", uid, "uuid", info.UUID)
	return info, nil
}

func (c *Controller) GetIndex(uid string) (registry.Info, error) {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return registry.Info{}, err
	}
	return g.registry.Get(uid)
}

// DeleteIndex waits for an update processing on uid to finish, then removes
// the index and its files.
func (c *Controller) DeleteIndex(ctx context.Context, uid string) error {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return err
	}
	if err := g.processor.WaitIndex(ctx, uid); err != nil {
		return err
	}
	if err := g.registry.Delete(ctx, uid); err != nil {
		return err
	}
	if c.cache != nil {
		if err := c.cache.Invalidate(ctx, uid); err != nil {
			logger.FromContext(ctx).Warn("dropping cached searches of deleted index failed", "index", uid, "error", err)
		}
	}
	logger.FromContext(ctx).Info("index deleted", "index", uid)
	return nil
}

// view runs fn in a read transaction on uid. The transaction sees every
// update committed before it started and none after.
func (c *Controller) view(uid string, fn func(h *registry.Handle, txn *kvstore.Txn) error) error {
	g, release, err := c.acquire()
	defer release()
	if err != nil {
		return err
	}
	h, err := g.registry.Borrow(uid)
	if err != nil {
		return err
	}
	defer h.Release()
	return h.Env.View(func(txn *kvstore.Txn) error {
		return fn(h, txn)
	})
}

func (c *Controller) GetDocument(uid, id string) (indexer.Document, error) {
	var doc indexer.Document
	err := c.view(uid, func(_ *registry.Handle, txn *kvstore.Txn) error {
		var err error
		doc, err = indexer.GetDocument(txn, id)
		return err
	})
	return doc, err
}

func (c *Controller) ListDocuments(uid string, offset, limit int) ([]indexer.Document, error) {
	var docs []indexer.Document
	err := c.view(uid, func(_ *registry.Handle, txn *kvstore.Txn) error {
		var err error
		docs, err = indexer.ListDocuments(txn, offset, limit)
		return err
	})
	return docs, err
}

func (c *Controller) Settings(uid string) (indexer.Settings, error) {
	var settings indexer.Settings
	err := c.view(uid, func(_ *registry.Handle, txn *kvstore.Txn) error {
		var err error
		settings, err = indexer.ReadSettings(txn)
		return err
	})
	return settings, err
}

func (c *Controller) Stats(uid string) (indexer.Stats, error) {
	var stats indexer.Stats
	err := c.view(uid, func(_ *registry.Handle, txn *kvstore.Txn) error {
		var err error
		stats, err = indexer.ReadStats(txn)
		return err
	})
	return stats, err
}

// Search ranks the documents of uid against req. With a query cache, the
// response is keyed on the last update applied to the index as seen by the
// read transaction, so a cached answer is never older than the data.
func (c *Controller) Search(ctx context.Context, uid string, req indexer.SearchRequest) (*indexer.SearchResult, error) {
	start := time.Now()
	var (
		result *indexer.SearchResult
		hit    bool
	)
	err := c.view(uid, func(h *registry.Handle, txn *kvstore.Txn) error {
		compute := func() (*indexer.SearchResult, error) {
			return indexer.Search(txn, req)
		}
		if c.cache == nil {
			var err error
			result, err = compute()
			return err
		}
		applied, err := indexer.LastApplied(txn)
		if err != nil {
			return err
		}
		var seq uint64
		if applied != nil {
			seq = applied.Seq
		}
		result, hit, err = c.cache.GetOrCompute(ctx, uid, cache.Version(h.UUID.String(), seq), req, compute)
		return err
	})

	cacheStatus := "miss"
	if hit {
		cacheStatus = "hit"
	}
	c.metrics.SearchLatency.WithLabelValues(cacheStatus).Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		c.metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	case result.EstimatedTotal == 0:
		c.metrics.SearchQueriesTotal.WithLabelValues("zero_result").Inc()
	default:
		c.metrics.SearchQueriesTotal.WithLabelValues("hit").Inc()
	}
	return result, nil
}
