// Danbooru Gateway DLQ Consumer - sweeps one api's dead-letter stream
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/nuulab/danbooru-gateway/internal/config"
	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
	"github.com/nuulab/danbooru-gateway/pkg/cryptoutil"
	"github.com/nuulab/danbooru-gateway/pkg/dedup"
	"github.com/nuulab/danbooru-gateway/pkg/dlq"
	"github.com/nuulab/danbooru-gateway/pkg/dlqconsumer"
	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
)

func main() {
	apiPrefix := flag.String("api", "", "API prefix to sweep (overrides API_PREFIX)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *apiPrefix != "" {
		cfg.APIPrefix = *apiPrefix
	}

	fmt.Println("💀 Danbooru Gateway DLQ Consumer")
	fmt.Printf("   API prefix: %s\n", cfg.APIPrefix)
	fmt.Printf("   Max DLQ retries: %d\n", cfg.MaxDLQRetries)
	fmt.Printf("   Privacy mode: %v\n", cfg.PrivacyMode)

	logger := gatewaylog.New("dlqconsumer:" + cfg.APIPrefix)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("redis ping failed: %v", err)
	}

	sq := streamqueue.New(rdb)
	dedupChecker := dedup.New(rdb, sq, logger)

	var hasKey bool
	var key cryptoutil.Key
	if cfg.EncryptionKeyHex != "" {
		key, err = cryptoutil.ParseKeyHex(cfg.EncryptionKeyHex)
		if err != nil {
			logger.Fatal("invalid encryption key: %v", err)
		}
		hasKey = true
	}
	dlqMgr := dlq.New(sq, dedupChecker, key, hasKey, cfg.MaxDLQRetries, logger)
	dlqMgr.AddAlerter(&dlq.LogAlerter{Log: logger})

	sweepCfg := dlqconsumer.Config{
		APIPrefix:     cfg.APIPrefix,
		MaxDLQRetries: cfg.MaxDLQRetries,
		BlockTimeout:  cfg.StreamBlock,
		PrivacyMode:   cfg.PrivacyMode,
	}
	sweeper := dlqconsumer.New(sweepCfg, sq, dlqMgr, logger)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\n🛑 Shutting down DLQ consumer...")
		cancel()
		sweeper.Stop()
	}()

	logger.Info("sweeping %s-dlq for api %s", cfg.APIPrefix, cfg.APIPrefix)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("dlq consumer exited: %v", err)
	}
	fmt.Println("👋 DLQ consumer stopped")
}
