package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
	"github.com/nuulab/danbooru-gateway/pkg/cryptoutil"
	"github.com/nuulab/danbooru-gateway/pkg/dedup"
	"github.com/nuulab/danbooru-gateway/pkg/dlq"
	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
)

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqRetryAllCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
	dlqCmd.AddCommand(deadListCmd)

	dlqListCmd.Flags().Int64("count", 20, "max entries to show")
	deadListCmd.Flags().Int64("count", 20, "max entries to show")
	dlqRetryCmd.Flags().Int("max-retries", 5, "MAX_DLQ_RETRIES for this retry attempt")
	dlqRetryAllCmd.Flags().Int("max-retries", 5, "MAX_DLQ_RETRIES for these retry attempts")
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the dead-letter queue",
	Long:  `View and retry entries in one api's DLQ stream.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DLQ entries",
	Run: func(cmd *cobra.Command, args []string) {
		count, _ := cmd.Flags().GetInt64("count")
		ctx := context.Background()
		rdb := redisClient()
		defer rdb.Close()
		sq := streamqueue.New(rdb)

		stream := streamqueue.StreamName(apiPrefix, streamqueue.KindDLQ)
		entries, err := sq.RangeSince(ctx, stream, time.Now().Add(-24*time.Hour), count)
		if err != nil {
			fail(fmt.Sprintf("failed to fetch DLQ: %v", err))
			return
		}

		fmt.Println(bold("💀 Dead Letter Queue: " + apiPrefix))
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STREAM ID\tJOB ID\tRETRY\tERROR")
		fmt.Fprintln(w, "---------\t------\t-----\t-----")
		for _, e := range entries {
			jobID, _ := e.Values["jobId"].(string)
			errMsg, _ := e.Values["error"].(string)
			retryCount, _ := e.Values["retryCount"].(string)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, red(jobID), retryCount, errMsg)
		}
		w.Flush()

		fmt.Println()
		fmt.Printf("Total: %s entries\n", red(strconv.Itoa(len(entries))))
	},
}

var deadListCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-queue entries",
	Run: func(cmd *cobra.Command, args []string) {
		count, _ := cmd.Flags().GetInt64("count")
		ctx := context.Background()
		rdb := redisClient()
		defer rdb.Close()
		sq := streamqueue.New(rdb)

		stream := streamqueue.StreamName(apiPrefix, streamqueue.KindDead)
		entries, err := sq.RangeSince(ctx, stream, time.Now().Add(-24*time.Hour), count)
		if err != nil {
			fail(fmt.Sprintf("failed to fetch dead queue: %v", err))
			return
		}

		fmt.Println(bold("⚰️  Dead Queue: " + apiPrefix))
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STREAM ID\tJOB ID\tFINAL ERROR\tMOVED AT")
		fmt.Fprintln(w, "---------\t------\t-----------\t--------")
		for _, e := range entries {
			jobID, _ := e.Values["jobId"].(string)
			finalErr, _ := e.Values["finalError"].(string)
			movedAt, _ := e.Values["movedAt"].(string)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, red(jobID), finalErr, movedAt)
		}
		w.Flush()
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <stream-id> <job-id> <retry-count>",
	Short: "Retry a single DLQ entry",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		streamID, jobID := args[0], args[1]
		retryCount, err := strconv.Atoi(args[2])
		if err != nil {
			fail("retry-count must be an integer")
			return
		}
		maxRetries, _ := cmd.Flags().GetInt("max-retries")

		ctx := context.Background()
		mgr := mustDLQManager(maxRetries)

		res, err := mgr.RetryFromDLQ(ctx, apiPrefix, jobID, retryCount, streamID)
		if err != nil {
			fail(fmt.Sprintf("retry failed: %v", err))
			return
		}
		success(fmt.Sprintf("job %s re-enqueued as %s (backoff %s)", cyan(jobID), res.NewStreamID, res.BackoffDelay))
	},
}

var dlqRetryAllCmd = &cobra.Command{
	Use:   "retry-all",
	Short: "Retry DLQ entries from the last 24 hours (at most 1000)",
	Run: func(cmd *cobra.Command, args []string) {
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		ctx := context.Background()
		rdb := redisClient()
		defer rdb.Close()
		sq := streamqueue.New(rdb)
		mgr := mustDLQManager(maxRetries)

		stream := streamqueue.StreamName(apiPrefix, streamqueue.KindDLQ)
		entries, err := sq.RangeSince(ctx, stream, time.Now().Add(-24*time.Hour), 1000)
		if err != nil {
			fail(fmt.Sprintf("failed to fetch DLQ: %v", err))
			return
		}

		retried, failed := 0, 0
		for _, e := range entries {
			jobID, _ := e.Values["jobId"].(string)
			retryCountStr, _ := e.Values["retryCount"].(string)
			retryCount, _ := strconv.Atoi(retryCountStr)
			if _, err := mgr.RetryFromDLQ(ctx, apiPrefix, jobID, retryCount, e.ID); err != nil {
				warn(fmt.Sprintf("job %s: %v", jobID, err))
				failed++
				continue
			}
			retried++
		}
		success(fmt.Sprintf("retried %d entries, %d failed", retried, failed))
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete DLQ entries from the last 24 hours (at most 10000) for this api",
	Run: func(cmd *cobra.Command, args []string) {
		warn("This will permanently delete DLQ entries from the last 24 hours for " + apiPrefix + ".")
		fmt.Print("Continue? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			info("Cancelled")
			return
		}

		ctx := context.Background()
		rdb := redisClient()
		defer rdb.Close()
		sq := streamqueue.New(rdb)

		stream := streamqueue.StreamName(apiPrefix, streamqueue.KindDLQ)
		entries, err := sq.RangeSince(ctx, stream, time.Now().Add(-24*time.Hour), 10000)
		if err != nil {
			fail(fmt.Sprintf("failed to fetch DLQ: %v", err))
			return
		}
		for _, e := range entries {
			if err := sq.Del(ctx, stream, e.ID); err != nil {
				warn(fmt.Sprintf("failed to delete %s: %v", e.ID, err))
			}
		}
		success(fmt.Sprintf("purged %d DLQ entries", len(entries)))
	},
}

// mustDLQManager builds a dlq.Manager from the bound --redis flag and the
// ENCRYPTION_KEY environment variable, exiting the process if the key is
// missing or malformed (retry and retry-all cannot decrypt entries without it).
func mustDLQManager(maxRetries int) *dlq.Manager {
	rdb := redisClient()
	sq := streamqueue.New(rdb)
	log := gatewaylog.New("gatewayctl")
	dedupChecker := dedup.New(rdb, sq, log)

	viper.BindEnv("encryption_key", "ENCRYPTION_KEY")
	keyHex := viper.GetString("encryption_key")
	if keyHex == "" {
		fail("ENCRYPTION_KEY is not set; cannot decrypt DLQ entries")
		os.Exit(1)
	}
	key, err := cryptoutil.ParseKeyHex(keyHex)
	if err != nil {
		fail(fmt.Sprintf("invalid ENCRYPTION_KEY: %v", err))
		os.Exit(1)
	}

	return dlq.New(sq, dedupChecker, key, true, maxRetries, log)
}
