// Package cache keeps search responses in Redis.
//
// Keys carry the index uid and a version naming the index environment and the
// sequence number of the last update applied to it, so a committed update
// makes every older entry unreachable. Invalidation only reclaims space; a
// reader can never see a result computed before the update it observes.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/redis"
)

// Store is satisfied by *redis.Client.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	store   Store
	prefix  string
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func New(store Store, prefix string, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	return &QueryCache{
		store:   store,
		prefix:  prefix,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

// Get returns the cached response of req against uid at version.
func (c *QueryCache) Get(ctx context.Context, uid, version string, req indexer.SearchRequest) (*indexer.SearchResult, bool) {
	key := c.Key(uid, version, req)
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	var result indexer.SearchResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.CacheHitsTotal.Inc()
	// equivalent queries share an entry; echo the caller's own text
	result.Query = req.Query
	return &result, true
}

func (c *QueryCache) Set(ctx context.Context, uid, version string, req indexer.SearchRequest, result *indexer.SearchResult) {
	key := c.Key(uid, version, req)
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute serves req from the cache, or runs compute once for all
// concurrent callers asking the same question and caches its answer. The
// boolean reports a cache hit.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	uid string,
	version string,
	req indexer.SearchRequest,
	compute func() (*indexer.SearchResult, error),
) (*indexer.SearchResult, bool, error) {
	if result, ok := c.Get(ctx, uid, version, req); ok {
		return result, true, nil
	}
	val, err, _ := c.group.Do(c.Key(uid, version, req), func() (any, error) {
		result, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, uid, version, req, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	shared := *val.(*indexer.SearchResult)
	shared.Query = req.Query
	return &shared, false, nil
}

// Invalidate drops every cached response of uid.
func (c *QueryCache) Invalidate(ctx context.Context, uid string) error {
	deleted, err := c.store.FlushByPattern(ctx, Pattern(c.prefix, uid))
	if err != nil {
		return fmt.Errorf("invalidating cache of %s: %w", uid, err)
	}
	c.logger.Debug("cache invalidated", "index", uid, "keys_deleted", deleted)
	return nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	c.metrics.CacheMissesTotal.Inc()
}

// Key builds the cache key of req against uid at version.
func (c *QueryCache) Key(uid, version string, req indexer.SearchRequest) string {
	raw := fmt.Sprintf("%s|offset=%d|limit=%d", normalizeQuery(req.Query), req.Offset, req.Limit)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%s:%s:%x", c.prefix, uid, version, hash[:16])
}

// Version names the state of an index environment a response was computed
// from.
func Version(envID string, appliedSeq uint64) string {
	return envID + "@" + strconv.FormatUint(appliedSeq, 10)
}

// Pattern matches every key of uid.
func Pattern(prefix, uid string) string {
	return prefix + uid + ":*"
}

// normalizeQuery maps queries that rank identically to the same string. BM25
// ignores term order and case, so the words are lower-cased and sorted. The
// empty query lists documents instead of ranking them and keeps its own form.
func normalizeQuery(query string) string {
	if query == "" {
		return "*"
	}
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	sort.Strings(words)
	return "q:" + strings.Join(words, ",")
}
