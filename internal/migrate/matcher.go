package migrate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tkivela/collabsync-go/internal/errors"
	obs "github.com/tkivela/collabsync-go/internal/observability/metrics"
	"github.com/tkivela/collabsync-go/internal/platform"
)

const (
	defaultMatchCacheTTL = 15 * time.Minute
	matchLookupLimit     = 25
)

// matchResult is the cached outcome of one lookup. Negative results are
// cached too, so repeated misses for the same value stay off the network.
type matchResult struct {
	item *platform.Item
}

// Matcher resolves duplicate/update targets by normalized match key. Lookups
// are cached in process per (collection, field, normalized value); the cache
// is not persisted, since after a restart a fresh lookup is
// correctness-equivalent, just slower.
type Matcher struct {
	api     platform.API
	cache   *cache.Cache
	metrics *obs.EngineMetrics

	hits   atomic.Int64
	misses atomic.Int64
}

// MatcherOption customizes a Matcher.
type MatcherOption func(*Matcher)

// WithMatchCacheTTL overrides the cache entry lifetime.
func WithMatchCacheTTL(ttl time.Duration) MatcherOption {
	return func(m *Matcher) { m.cache = cache.New(ttl, ttl*2) }
}

// WithMatcherMetrics wires cache hit/miss counters to Prometheus.
func WithMatcherMetrics(metrics *obs.EngineMetrics) MatcherOption {
	return func(m *Matcher) { m.metrics = metrics }
}

// NewMatcher creates a matcher over the given API.
func NewMatcher(api platform.API, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		api:   api,
		cache: cache.New(defaultMatchCacheTTL, defaultMatchCacheTTL*2),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindMatch returns the first item in the target collection whose match
// field normalizes to the same key as the given value, or nil when no match
// exists. A value that normalizes to empty can never match.
func (m *Matcher) FindMatch(ctx context.Context, targetCollectionID, matchFieldID string, fieldType FieldType, value any) (*platform.Item, error) {
	normalized := NormalizeValue(fieldType, value)
	if normalized == "" {
		return nil, nil
	}

	cacheKey := fmt.Sprintf("%s:%s:%s", targetCollectionID, matchFieldID, normalized)
	if cached, found := m.cache.Get(cacheKey); found {
		m.hits.Add(1)
		if m.metrics != nil {
			m.metrics.IncrementMatchCacheHits()
		}
		return cached.(matchResult).item, nil
	}

	m.misses.Add(1)
	if m.metrics != nil {
		m.metrics.IncrementMatchCacheMisses()
	}

	resp, err := m.api.ListItems(ctx, platform.ListRequest{
		CollectionID: targetCollectionID,
		Limit:        matchLookupLimit,
		Filter: &platform.ItemFilter{
			Extra: map[string]any{matchFieldID: normalized},
		},
	})
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryNetwork).
			Context("target_collection_id", targetCollectionID).
			Context("match_field_id", matchFieldID).
			Component("migrate").
			Build()
	}

	// The platform filter is a server-side prefilter; confirm candidates by
	// re-normalizing their field value, since formatting may differ.
	var match *platform.Item
	for i := range resp.Items {
		candidate := &resp.Items[i]
		if NormalizeValue(fieldType, candidate.Fields[matchFieldID]) == normalized {
			match = candidate
			break
		}
	}

	m.cache.Set(cacheKey, matchResult{item: match}, cache.DefaultExpiration)
	return match, nil
}

// Invalidate drops the cached lookup for a value, used after this process
// writes an item that would change the answer.
func (m *Matcher) Invalidate(targetCollectionID, matchFieldID string, fieldType FieldType, value any) {
	normalized := NormalizeValue(fieldType, value)
	if normalized == "" {
		return
	}
	m.cache.Delete(fmt.Sprintf("%s:%s:%s", targetCollectionID, matchFieldID, normalized))
}

// CacheStats returns cumulative hit and miss counts for diagnostics.
func (m *Matcher) CacheStats() (hits, misses int64) {
	return m.hits.Load(), m.misses.Load()
}
