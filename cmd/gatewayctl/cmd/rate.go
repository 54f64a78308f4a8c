package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nuulab/danbooru-gateway/pkg/ratelimit"
)

func init() {
	rootCmd.AddCommand(rateCmd)
	rateCmd.AddCommand(rateStatsCmd)
	rateCmd.AddCommand(rateResetCmd)
}

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Inspect and reset rate-limit counters",
}

var rateStatsCmd = &cobra.Command{
	Use:   "stats <identifier>",
	Short: "Show the current counter and TTL for an identifier",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		identifier := args[0]
		rdb := redisClient()
		defer rdb.Close()
		limiter := ratelimit.New(rdb)

		stats, err := limiter.GetRateLimitStats(context.Background(), identifier, apiPrefix)
		if err != nil {
			fail(fmt.Sprintf("failed to read stats: %v", err))
			return
		}

		fmt.Println(bold("📈 Rate Limit: " + apiPrefix + "/" + identifier))
		fmt.Printf("Current: %s\n", cyan(fmt.Sprintf("%d", stats.Current)))
		fmt.Printf("TTL:     %s\n", cyan(stats.TTL.String()))
	},
}

var rateResetCmd = &cobra.Command{
	Use:   "reset <identifier>",
	Short: "Clear the rate-limit counter for an identifier",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		identifier := args[0]
		rdb := redisClient()
		defer rdb.Close()
		limiter := ratelimit.New(rdb)

		if err := limiter.ResetRateLimit(context.Background(), identifier, apiPrefix); err != nil {
			fail(fmt.Sprintf("failed to reset: %v", err))
			return
		}
		success(fmt.Sprintf("rate limit reset for %s/%s", apiPrefix, identifier))
	},
}
