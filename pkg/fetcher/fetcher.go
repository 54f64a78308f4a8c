// Package fetcher implements the upstream post-search call (spec.md §4.5):
// a retrying, circuit-broken, rate-limited HTTP GET with response
// sanitization and optional write-through cache integration.
//
// The retry/backoff mechanics reuse internal/httpclient as-is; the
// circuit breaker is grounded on cartographus's gobreaker v2 wrapper
// (NewCircuitBreaker/generic CircuitBreaker[T]); the local throttle uses
// golang.org/x/time/rate the way a pre-flight token bucket is used ahead
// of an outbound call in that same pack.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
	"github.com/nuulab/danbooru-gateway/internal/httpclient"
	"github.com/nuulab/danbooru-gateway/pkg/cache"
)

// Post wraps a raw upstream search result. FetchPosts does not use it; it
// returns the sanitized result as a map[string]any.
type Post struct {
	Raw map[string]any `json:"-"`
}

// Config configures one Fetcher instance, one per upstream api.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	RequestTimeout time.Duration
	MaxRetries     int
	RateLimitRPS   float64
	RateLimitBurst int
}

// Fetcher calls one upstream provider's posts.json endpoint.
type Fetcher struct {
	cfg     Config
	client  *httpclient.Client
	breaker *gobreaker.CircuitBreaker[*http.Response]
	limiter *rate.Limiter
	cache   *cache.QueryCache
	log     *gatewaylog.Logger
}

// New builds a Fetcher. qc may be nil to disable cache integration.
func New(cfg Config, qc *cache.QueryCache, log *gatewaylog.Logger) *Fetcher {
	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.RequestTimeout
	if cfg.MaxRetries > 0 {
		httpCfg.MaxRetries = cfg.MaxRetries
	}

	breakerSettings := gobreaker.Settings{
		Name:        "fetcher:" + cfg.BaseURL,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = int(rps)
	}

	return &Fetcher{
		cfg:     cfg,
		client:  httpclient.New(httpCfg),
		breaker: gobreaker.NewCircuitBreaker[*http.Response](breakerSettings),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		cache:   qc,
		log:     log,
	}
}

// FetchPosts implements fetchPosts(query, limit, random) → object | null.
// On a cache-eligible call (random == false) it consults the cache first
// and writes through on a fresh success.
func (f *Fetcher) FetchPosts(ctx context.Context, apiPrefix, query string, limit int, random bool) (map[string]any, error) {
	if f.cache != nil && !random {
		params := cache.QueryParams{APIPrefix: apiPrefix, Query: query, Limit: limit}
		var cached map[string]any
		found, err := f.cache.GetCachedResponse(ctx, params, &cached)
		if err != nil {
			return nil, err
		}
		if found {
			return cached, nil
		}
	}

	result, err := f.fetchFromUpstream(ctx, query, limit, random)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	if f.cache != nil && !random {
		params := cache.QueryParams{APIPrefix: apiPrefix, Query: query, Limit: limit}
		if err := f.cache.SetCache(ctx, params, result, 0); err != nil {
			f.log.Warn("fetcher: write-through cache failed for %s: %v", query, err)
		}
	}

	return result, nil
}

func (f *Fetcher) fetchFromUpstream(ctx context.Context, query string, limit int, random bool) (map[string]any, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetcher: rate limit wait: %w", err)
	}

	u, err := f.buildURL(query, limit, random)
	if err != nil {
		return nil, fmt.Errorf("fetcher: build url: %w", err)
	}

	resp, err := f.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		if f.cfg.Username != "" {
			req.SetBasicAuth(f.cfg.Username, f.cfg.Password)
		}
		return f.client.Do(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("fetcher: upstream call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, nil
	}

	var body struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("fetcher: decode response: %w", err)
	}
	if len(body.Data) == 0 {
		return nil, nil
	}

	return sanitize(body.Data[0]), nil
}

func (f *Fetcher) buildURL(query string, limit int, random bool) (string, error) {
	base, err := url.Parse(f.cfg.BaseURL + "/posts.json")
	if err != nil {
		return "", err
	}

	q := base.Query()
	q.Set("tags", query)
	q.Set("limit", strconv.Itoa(limit))
	if random {
		q.Set("random", "true")
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// sanitize strips HTML tags and unescapes entities on every string field,
// defending against script injection carried in upstream post metadata.
func sanitize(post map[string]any) map[string]any {
	out := make(map[string]any, len(post))
	for k, v := range post {
		if s, ok := v.(string); ok {
			out[k] = html.UnescapeString(htmlTagPattern.ReplaceAllString(s, ""))
			continue
		}
		out[k] = v
	}
	return out
}
