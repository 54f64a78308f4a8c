// Package config loads gateway configuration from environment variables
// using viper, matching the binding pattern in cmd/cli/cmd/service.go.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend selects the cache implementation.
type Backend string

const (
	BackendRedis  Backend = "redis"
	BackendMemory Backend = "memory"
)

// Config holds every enumerated setting from the spec's configuration table.
type Config struct {
	APIPrefix        string
	RedisAddress     string
	RedisPassword    string
	RedisDB          int
	CacheBackend     Backend

	APITimeout          time.Duration
	StreamBlock         time.Duration
	RateLimitPerMinute  int
	RateWindow          time.Duration
	DedupTTL            time.Duration
	MaxRetryAttempts    int
	MaxBackoff          time.Duration
	MaxDLQRetries       int
	QueryLockTimeout    time.Duration
	DLQDedupWindow      time.Duration
	CacheTTL            time.Duration
	EncryptionKeyHex    string
	HMACSecret          string

	UpstreamBaseURL string
	UpstreamUser    string
	UpstreamPass    string

	WorkerConcurrency int

	// PrivacyMode, when true, makes the DLQ consumer promote every
	// retryable entry to the dead queue instead of retrying it. DLQ
	// entries are still written with an encrypted query either way.
	PrivacyMode bool
}

// Load reads configuration from environment variables only (it uses its
// own viper instance, so no cobra-bound keys are seen), applying the
// spec's defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		APIPrefix:          v.GetString("api_prefix"),
		RedisAddress:       v.GetString("redis_address"),
		RedisPassword:      v.GetString("redis_password"),
		RedisDB:            v.GetInt("redis_db"),
		CacheBackend:       Backend(v.GetString("cache_backend")),
		APITimeout:         time.Duration(v.GetInt("api_timeout_ms")) * time.Millisecond,
		StreamBlock:        time.Duration(v.GetInt("stream_block_ms")) * time.Millisecond,
		RateLimitPerMinute: v.GetInt("rate_limit_per_minute"),
		RateWindow:         time.Duration(v.GetInt("rate_window_seconds")) * time.Second,
		DedupTTL:           time.Duration(v.GetInt("dedup_ttl_seconds")) * time.Second,
		MaxRetryAttempts:   v.GetInt("max_retry_attempts"),
		MaxBackoff:         time.Duration(v.GetInt("max_backoff_ms")) * time.Millisecond,
		MaxDLQRetries:      v.GetInt("max_dlq_retries"),
		QueryLockTimeout:   time.Duration(v.GetInt("query_lock_timeout_seconds")) * time.Second,
		DLQDedupWindow:     time.Duration(v.GetInt("dlq_dedup_window_seconds")) * time.Second,
		CacheTTL:           time.Duration(v.GetInt("cache_ttl_seconds")) * time.Second,
		EncryptionKeyHex:   v.GetString("encryption_key"),
		HMACSecret:         v.GetString("hmac_secret"),
		UpstreamBaseURL:    v.GetString("upstream_base_url"),
		UpstreamUser:       v.GetString("upstream_user"),
		UpstreamPass:       v.GetString("upstream_pass"),
		WorkerConcurrency:  v.GetInt("worker_concurrency"),
		PrivacyMode:        v.GetBool("privacy_mode"),
	}

	if cfg.QueryLockTimeout < 30*time.Second || cfg.QueryLockTimeout > 300*time.Second {
		return nil, fmt.Errorf("config: QUERY_LOCK_TIMEOUT_SECONDS must be in [30,300], got %s", cfg.QueryLockTimeout)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_prefix", "danbooru")
	v.SetDefault("redis_address", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("cache_backend", string(BackendRedis))
	v.SetDefault("api_timeout_ms", 10000)
	v.SetDefault("stream_block_ms", 5000)
	v.SetDefault("rate_limit_per_minute", 60)
	v.SetDefault("rate_window_seconds", 60)
	v.SetDefault("dedup_ttl_seconds", 86400)
	v.SetDefault("max_retry_attempts", 5)
	v.SetDefault("max_backoff_ms", 30000)
	v.SetDefault("max_dlq_retries", 5)
	v.SetDefault("query_lock_timeout_seconds", 30)
	v.SetDefault("dlq_dedup_window_seconds", 3600)
	v.SetDefault("cache_ttl_seconds", 3600)
	v.SetDefault("worker_concurrency", 5)
	v.SetDefault("privacy_mode", false)
}
