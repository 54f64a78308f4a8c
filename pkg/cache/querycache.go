package cache

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
)

// QueryCache builds deterministic cache keys over the spec's schema
// (cache:{api}:posts:{md5(normalize(query))}[:limit:N][:seed:seed16][:tag:md5(sortedTags)])
// and layers getOrSet / invalidate semantics on top of a plain Cache.
type QueryCache struct {
	backend Cache
	log     *gatewaylog.Logger
}

// NewQueryCache wraps backend with the query-key grammar.
func NewQueryCache(backend Cache, log *gatewaylog.Logger) *QueryCache {
	return &QueryCache{backend: backend, log: log}
}

// QueryParams is the full key-relevant request shape.
type QueryParams struct {
	APIPrefix string
	Query     string
	Random    bool
	Limit     int
	Tags      []string
}

func normalize(q string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(q)))
	return strings.Join(fields, " ")
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func sortedTagHash(tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return md5Hex(strings.Join(sorted, ","))
}

func seed16(query string, limit int, tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	material := fmt.Sprintf("%s|%d|%s", query, limit, strings.Join(sorted, ","))
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:16]
}

// Key builds the deterministic cache key for p.
func (p QueryParams) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cache:%s:posts:%s", strings.ToLower(p.APIPrefix), md5Hex(normalize(p.Query)))

	if p.Limit > 0 {
		fmt.Fprintf(&b, ":limit:%d", p.Limit)
	}
	if p.Random {
		fmt.Fprintf(&b, ":seed:%s", seed16(p.Query, p.Limit, p.Tags))
	}
	if len(p.Tags) > 0 {
		fmt.Fprintf(&b, ":tag:%s", sortedTagHash(p.Tags))
	}
	return b.String()
}

// GetCachedResponse fetches and JSON-decodes the cached value for params
// into v. It reports (found, err). A decode failure deletes the offending
// key and is treated as a miss, per spec.md §4.4.
func (qc *QueryCache) GetCachedResponse(ctx context.Context, params QueryParams, v any) (bool, error) {
	key := params.Key()

	raw, err := qc.backend.Get(ctx, key)
	if err != nil {
		if err == ErrCacheMiss {
			return false, nil
		}
		return false, fmt.Errorf("querycache: get %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		if delErr := qc.backend.Delete(ctx, key); delErr != nil {
			qc.log.Warn("querycache: failed to delete corrupt key %s: %v", key, delErr)
		}
		return false, nil
	}
	return true, nil
}

// SetCache JSON-encodes value and stores it under params' key.
func (qc *QueryCache) SetCache(ctx context.Context, params QueryParams, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("querycache: marshal: %w", err)
	}
	if err := qc.backend.Set(ctx, params.Key(), data, ttl); err != nil {
		return fmt.Errorf("querycache: set %s: %w", params.Key(), err)
	}
	return nil
}

// DeleteCache removes the entry for params.
func (qc *QueryCache) DeleteCache(ctx context.Context, params QueryParams) error {
	if err := qc.backend.Delete(ctx, params.Key()); err != nil {
		return fmt.Errorf("querycache: delete %s: %w", params.Key(), err)
	}
	return nil
}

// FetchFunc produces a fresh value on cache miss. A nil result is not cached.
type FetchFunc func(ctx context.Context) (any, error)

// GetOrSet returns the cached JSON for params if present; otherwise it
// calls fetch, caches a non-nil result with ttl, and returns its JSON
// encoding. The return value is always raw JSON so callers unmarshal the
// same way regardless of whether this was a hit or a miss.
func (qc *QueryCache) GetOrSet(ctx context.Context, params QueryParams, ttl time.Duration, fetch FetchFunc) (json.RawMessage, error) {
	var cached json.RawMessage
	found, err := qc.GetCachedResponse(ctx, params, &cached)
	if err != nil {
		return nil, err
	}
	if found {
		return cached, nil
	}

	result, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("querycache: marshal fetch result: %w", err)
	}
	if err := qc.backend.Set(ctx, params.Key(), data, ttl); err != nil {
		qc.log.Warn("querycache: failed to cache result for %s: %v", params.Key(), err)
	}
	return data, nil
}

// InvalidateCache deletes every key matching pattern. If the backend
// cannot do pattern matching, it logs a warning and returns 0, nil rather
// than erroring, per spec.md §4.4.
func (qc *QueryCache) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	inv, ok := qc.backend.(Invalidator)
	if !ok {
		qc.log.Warn("querycache: backend does not support pattern invalidation, pattern=%s", pattern)
		return 0, nil
	}
	if err := inv.InvalidatePattern(ctx, pattern); err != nil {
		return 0, fmt.Errorf("querycache: invalidate %s: %w", pattern, err)
	}
	return 1, nil
}

// InvalidateByPrefix is the convenience form for cache:{api}:*.
func (qc *QueryCache) InvalidateByPrefix(ctx context.Context, apiPrefix string) (int, error) {
	pattern := fmt.Sprintf("cache:%s:*", strings.ToLower(apiPrefix))
	return qc.InvalidateCache(ctx, pattern)
}
