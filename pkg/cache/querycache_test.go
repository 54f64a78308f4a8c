package cache_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
	"github.com/nuulab/danbooru-gateway/pkg/cache"
)

func newQueryCache() (*cache.MemoryCache, *cache.QueryCache) {
	mem := cache.NewMemoryCache(cache.Config{DefaultTTL: time.Minute})
	return mem, cache.NewQueryCache(mem, gatewaylog.New("test"))
}

func TestQueryParamsKeyIsDeterministic(t *testing.T) {
	p1 := cache.QueryParams{APIPrefix: "Danbooru", Query: "  Hatsune   Miku  ", Limit: 10, Tags: []string{"b", "a"}}
	p2 := cache.QueryParams{APIPrefix: "danbooru", Query: "hatsune miku", Limit: 10, Tags: []string{"a", "b"}}

	require.Equal(t, p1.Key(), p2.Key(), "normalization and tag order must not affect the key")
}

func TestQueryParamsKeyVariesWithLimitSeedTag(t *testing.T) {
	base := cache.QueryParams{APIPrefix: "danbooru", Query: "miku"}
	withLimit := base
	withLimit.Limit = 5
	withSeed := withLimit
	withSeed.Random = true
	withTag := withSeed
	withTag.Tags = []string{"vocaloid"}

	keys := map[string]bool{
		base.Key():      true,
		withLimit.Key(): true,
		withSeed.Key():  true,
		withTag.Key():   true,
	}
	require.Len(t, keys, 4, "each variant must produce a distinct key")
}

func TestQueryParamsSeedIsReproducible(t *testing.T) {
	p := cache.QueryParams{APIPrefix: "danbooru", Query: "miku", Limit: 5, Random: true, Tags: []string{"vocaloid"}}
	require.Equal(t, p.Key(), p.Key())
}

func TestGetOrSetCachesNonNilResult(t *testing.T) {
	ctx := context.Background()
	mem, qc := newQueryCache()
	params := cache.QueryParams{APIPrefix: "danbooru", Query: "miku"}

	calls := 0
	fetch := func(ctx context.Context) (any, error) {
		calls++
		return map[string]string{"id": "1"}, nil
	}

	out, err := qc.GetOrSet(ctx, params, time.Minute, fetch)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"1"}`, string(out))
	require.Equal(t, 1, calls)

	exists, err := mem.Exists(ctx, params.Key())
	require.NoError(t, err)
	require.True(t, exists)

	// Second call is a cache hit: fetch must not run again.
	out2, err := qc.GetOrSet(ctx, params, time.Minute, fetch)
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"1"}`, string(out2))
	require.Equal(t, 1, calls)
}

func TestGetOrSetDoesNotCacheNilResult(t *testing.T) {
	ctx := context.Background()
	mem, qc := newQueryCache()
	params := cache.QueryParams{APIPrefix: "danbooru", Query: "nothing"}

	out, err := qc.GetOrSet(ctx, params, time.Minute, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	require.Nil(t, out)

	exists, err := mem.Exists(ctx, params.Key())
	require.NoError(t, err)
	require.False(t, exists)
}

func TestGetOrSetPropagatesFetchError(t *testing.T) {
	ctx := context.Background()
	_, qc := newQueryCache()
	params := cache.QueryParams{APIPrefix: "danbooru", Query: "boom"}

	wantErr := errors.New("upstream failed")
	_, err := qc.GetOrSet(ctx, params, time.Minute, func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestGetCachedResponseTreatsCorruptJSONAsMiss(t *testing.T) {
	ctx := context.Background()
	mem, qc := newQueryCache()
	params := cache.QueryParams{APIPrefix: "danbooru", Query: "corrupt"}

	require.NoError(t, mem.Set(ctx, params.Key(), []byte("not-json"), time.Minute))

	var v json.RawMessage
	found, err := qc.GetCachedResponse(ctx, params, &v)
	require.NoError(t, err)
	require.False(t, found)

	exists, err := mem.Exists(ctx, params.Key())
	require.NoError(t, err)
	require.False(t, exists, "corrupt key must be deleted on decode failure")
}

func TestInvalidateByPrefix(t *testing.T) {
	ctx := context.Background()
	mem, qc := newQueryCache()

	p1 := cache.QueryParams{APIPrefix: "danbooru", Query: "a"}
	p2 := cache.QueryParams{APIPrefix: "danbooru", Query: "b"}
	require.NoError(t, qc.SetCache(ctx, p1, map[string]string{"x": "1"}, time.Minute))
	require.NoError(t, qc.SetCache(ctx, p2, map[string]string{"x": "2"}, time.Minute))

	n, err := qc.InvalidateByPrefix(ctx, "danbooru")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	e1, _ := mem.Exists(ctx, p1.Key())
	e2, _ := mem.Exists(ctx, p2.Key())
	require.False(t, e1)
	require.False(t, e2)
}
