package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatsCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue operations",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show stream lengths for this api",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		rdb := redisClient()
		defer rdb.Close()

		fmt.Println(bold("📊 Queue Statistics: " + apiPrefix))
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, kind := range []streamqueue.Kind{
			streamqueue.KindRequests,
			streamqueue.KindResponses,
			streamqueue.KindDLQ,
			streamqueue.KindDead,
		} {
			stream := streamqueue.StreamName(apiPrefix, kind)
			length, err := rdb.XLen(ctx, stream).Result()
			if err != nil {
				length = 0
			}
			fmt.Fprintf(w, "%s:\t%s\n", stream, cyan(fmt.Sprintf("%d", length)))
		}
		w.Flush()
	},
}
