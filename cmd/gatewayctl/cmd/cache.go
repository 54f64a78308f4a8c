package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
	"github.com/nuulab/danbooru-gateway/pkg/cache"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and invalidate the query cache",
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Invalidate every cached response for this api",
	Run: func(cmd *cobra.Command, args []string) {
		rdb := redisClient()
		defer rdb.Close()

		backend := cache.NewRedisCacheFromClient(rdb, cache.DefaultConfig())
		qc := cache.NewQueryCache(backend, gatewaylog.New("gatewayctl"))

		if _, err := qc.InvalidateByPrefix(context.Background(), apiPrefix); err != nil {
			fail(fmt.Sprintf("failed to invalidate: %v", err))
			return
		}
		success(fmt.Sprintf("invalidated cached responses for %s", apiPrefix))
	},
}
