// Danbooru Gateway Worker - processes one api's request stream
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuulab/danbooru-gateway/internal/config"
	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
	"github.com/nuulab/danbooru-gateway/pkg/cache"
	"github.com/nuulab/danbooru-gateway/pkg/consumer"
	"github.com/nuulab/danbooru-gateway/pkg/cryptoutil"
	"github.com/nuulab/danbooru-gateway/pkg/dedup"
	"github.com/nuulab/danbooru-gateway/pkg/dlq"
	"github.com/nuulab/danbooru-gateway/pkg/fetcher"
	"github.com/nuulab/danbooru-gateway/pkg/lock"
	"github.com/nuulab/danbooru-gateway/pkg/publisher"
	"github.com/nuulab/danbooru-gateway/pkg/ratelimit"
	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
	"github.com/nuulab/danbooru-gateway/pkg/validate"
)

func main() {
	apiPrefix := flag.String("api", "", "API prefix to serve (overrides API_PREFIX)")
	concurrency := flag.Int("concurrency", 0, "Number of concurrent workers (overrides WORKER_CONCURRENCY)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *apiPrefix != "" {
		cfg.APIPrefix = *apiPrefix
	}
	if *concurrency > 0 {
		cfg.WorkerConcurrency = *concurrency
	}

	fmt.Println("🚪 Danbooru Gateway")
	fmt.Printf("   API prefix: %s\n", cfg.APIPrefix)
	fmt.Printf("   Redis: %s\n", cfg.RedisAddress)
	fmt.Printf("   Concurrency: %d\n", cfg.WorkerConcurrency)

	logger := gatewaylog.New("gateway:" + cfg.APIPrefix)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("redis ping failed: %v", err)
	}
	logger.Info("connected to redis at %s", cfg.RedisAddress)

	sq := streamqueue.New(rdb)
	dedupChecker := dedup.New(rdb, sq, logger)
	lockMgr := lock.New(rdb, logger)
	limiter := ratelimit.New(rdb)
	pub := publisher.New(sq)

	var hmacSecret []byte
	if cfg.HMACSecret != "" {
		hmacSecret = []byte(cfg.HMACSecret)
	}
	validator := validate.New(hmacSecret)

	var hasKey bool
	var key cryptoutil.Key
	if cfg.EncryptionKeyHex != "" {
		key, err = cryptoutil.ParseKeyHex(cfg.EncryptionKeyHex)
		if err != nil {
			logger.Fatal("invalid encryption key: %v", err)
		}
		hasKey = true
	} else {
		logger.Warn("no ENCRYPTION_KEY configured; addToDLQ will fail on any error path")
	}
	dlqMgr := dlq.New(sq, dedupChecker, key, hasKey, cfg.MaxDLQRetries, logger)
	dlqMgr.AddAlerter(&dlq.LogAlerter{Log: logger})

	var backend cache.Cache
	switch cfg.CacheBackend {
	case config.BackendMemory:
		backend = cache.NewMemoryCache(cache.DefaultConfig())
		logger.Info("using in-memory cache backend")
	default:
		backend = cache.NewRedisCacheFromClient(rdb, cache.DefaultConfig())
		logger.Info("using redis cache backend")
	}
	qc := cache.NewQueryCache(backend, logger)

	f := fetcher.New(fetcher.Config{
		BaseURL:        cfg.UpstreamBaseURL,
		Username:       cfg.UpstreamUser,
		Password:       cfg.UpstreamPass,
		RequestTimeout: cfg.APITimeout,
		MaxRetries:     cfg.MaxRetryAttempts,
	}, qc, logger)

	workerCfg := consumer.Config{
		APIPrefix:          cfg.APIPrefix,
		Concurrency:        cfg.WorkerConcurrency,
		BlockTimeout:       cfg.StreamBlock,
		DedupTTL:           cfg.DedupTTL,
		DLQDedupWindow:     cfg.DLQDedupWindow,
		QueryLockTimeout:   cfg.QueryLockTimeout,
		QueryLockHeartbeat: 10 * time.Second,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateWindow:         cfg.RateWindow,
		CacheTTL:           cfg.CacheTTL,
	}
	worker := consumer.New(workerCfg, sq, dedupChecker, lockMgr, validator, limiter, f, pub, dlqMgr, logger)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\n🛑 Shutting down gateway worker...")
		cancel()
		worker.Stop()
	}()

	if err := worker.Start(ctx); err != nil {
		logger.Fatal("failed to start worker: %v", err)
	}
	logger.Info("started %d workers for api %s", cfg.WorkerConcurrency, cfg.APIPrefix)

	<-ctx.Done()
	fmt.Println("👋 Gateway worker stopped")
}
