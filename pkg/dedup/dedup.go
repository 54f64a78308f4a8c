// Package dedup implements two of the three deduplication layers from
// spec.md §4.3: the job-level delivery marker and the DLQ duplicate
// probe. The query-level lock layer is pkg/lock. Grounded on the fingerprint/TTL-marker shape of
// kubernaut's gateway DeduplicationService (SET-with-TTL as the
// dedup primitive, fail-open on infrastructure errors) combined with
// this module's own streamqueue client for the DLQ probe.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
	"github.com/nuulab/danbooru-gateway/pkg/cryptoutil"
	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
)

// Checker runs the job-level marker and the DLQ probe against a shared
// Redis connection.
type Checker struct {
	rdb *redis.Client
	sq  *streamqueue.Client
	log *gatewaylog.Logger
}

// New creates a Checker. sq is used for the DLQ duplicate probe.
func New(rdb *redis.Client, sq *streamqueue.Client, log *gatewaylog.Logger) *Checker {
	return &Checker{rdb: rdb, sq: sq, log: log}
}

func processedKey(jobID string) string {
	return fmt.Sprintf("processed:%s", jobID)
}

func jobDedupKey(jobID string) string {
	return fmt.Sprintf("dedup:job:%s", jobID)
}

// MarkJobProcessed implements the job-level dedup marker
// (processed:{jobId}, SET NX EX). It returns true if this call won the
// race and the caller should proceed; false means the job was already
// marked and should be skipped (and ACKed).
func (c *Checker) MarkJobProcessed(ctx context.Context, jobID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, processedKey(jobID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: mark job %s: %w", jobID, err)
	}
	return ok, nil
}

// QueryHash is sha256(query), used both as the query lock suffix and the
// DLQ probe comparison value.
func QueryHash(query string) string {
	return cryptoutil.SHA256Hex(query)
}

// DuplicateProbeResult is the outcome of CheckDLQDuplicate.
type DuplicateProbeResult struct {
	Duplicate bool
	MatchedID string
}

// CheckDLQDuplicate implements the DLQ duplicate probe (spec.md §4.3 step
// 3): within window on the api's DLQ stream, scan up to 100 entries and
// short-circuit on a queryHash match. It also sets the cross-job
// dedup:job:{jobId} marker. Probe errors fail open (return false, nil)
// so infrastructure trouble never blocks processing.
func (c *Checker) CheckDLQDuplicate(ctx context.Context, apiPrefix, jobID, query string, window time.Duration) DuplicateProbeResult {
	if err := c.rdb.Set(ctx, jobDedupKey(jobID), "1", window).Err(); err != nil {
		c.log.Warn("dedup: failed to set cross-job marker for %s: %v", jobID, err)
	}

	stream := streamqueue.StreamName(apiPrefix, streamqueue.KindDLQ)
	since := time.Now().Add(-window)

	entries, err := c.sq.RangeSince(ctx, stream, since, 100)
	if err != nil {
		c.log.Warn("dedup: DLQ probe failed for %s, allowing processing: %v", stream, err)
		return DuplicateProbeResult{}
	}

	want := QueryHash(query)
	for _, entry := range entries {
		got, _ := entry.Values["queryHash"].(string)
		if got != "" && strings.EqualFold(got, want) {
			return DuplicateProbeResult{Duplicate: true, MatchedID: entry.ID}
		}
	}
	return DuplicateProbeResult{}
}
