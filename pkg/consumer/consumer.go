// Package consumer implements the per-message request pipeline of
// spec.md §4.7: dedup → lock → validate → rate-limit → fetch → publish →
// ack/DLQ, run by a pool of workers reading one api's requests stream
// through a consumer group. The worker pool shape (Start/Stop,
// concurrency goroutines racing XREADGROUP) is grounded on GoFlow's
// pkg/queue/queue.go Worker, generalized from its single-queue Dequeue
// loop to a shared consumer group read.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
	"github.com/nuulab/danbooru-gateway/pkg/dedup"
	"github.com/nuulab/danbooru-gateway/pkg/dlq"
	"github.com/nuulab/danbooru-gateway/pkg/fetcher"
	"github.com/nuulab/danbooru-gateway/pkg/lock"
	"github.com/nuulab/danbooru-gateway/pkg/publisher"
	"github.com/nuulab/danbooru-gateway/pkg/ratelimit"
	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
	"github.com/nuulab/danbooru-gateway/pkg/validate"
)

// Error codes surfaced on the response stream (spec.md §7).
const (
	CodeInvalidDTO    = "INVALID_DTO"
	CodeAuthFailed    = "AUTH_FAILED"
	CodeRateLimit     = "RATE_LIMIT"
	CodeDuplicate     = "DUPLICATE"
	CodeUpstreamEmpty = "UPSTREAM_EMPTY"
	CodeUpstreamError = "UPSTREAM_ERROR"
	CodeInternal      = "INTERNAL"
)

// Config configures one api's worker pool.
type Config struct {
	APIPrefix          string
	Concurrency        int
	BlockTimeout       time.Duration
	DedupTTL           time.Duration
	DLQDedupWindow     time.Duration
	QueryLockTimeout   time.Duration
	QueryLockHeartbeat time.Duration
	RateLimitPerMinute int
	RateWindow         time.Duration
	CacheTTL           time.Duration
}

// Worker runs Config.Concurrency goroutines processing one api's requests
// stream via a shared consumer group.
type Worker struct {
	cfg       Config
	sq        *streamqueue.Client
	dedup     *dedup.Checker
	lockMgr   *lock.Manager
	validator *validate.Validator
	limiter   *ratelimit.Limiter
	fetcher   *fetcher.Fetcher
	publisher *publisher.Publisher
	dlqMgr    *dlq.Manager
	log       *gatewaylog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// New assembles a Worker from its collaborators.
func New(
	cfg Config,
	sq *streamqueue.Client,
	dedupChecker *dedup.Checker,
	lockMgr *lock.Manager,
	validator *validate.Validator,
	limiter *ratelimit.Limiter,
	f *fetcher.Fetcher,
	pub *publisher.Publisher,
	dlqMgr *dlq.Manager,
	log *gatewaylog.Logger,
) *Worker {
	return &Worker{
		cfg:       cfg,
		sq:        sq,
		dedup:     dedupChecker,
		lockMgr:   lockMgr,
		validator: validator,
		limiter:   limiter,
		fetcher:   f,
		publisher: pub,
		dlqMgr:    dlqMgr,
		log:       log,
		stop:      make(chan struct{}),
	}
}

// Start ensures the consumer group exists and launches Concurrency
// goroutines, each with a server-assigned consumer name.
func (w *Worker) Start(ctx context.Context) error {
	stream := streamqueue.StreamName(w.cfg.APIPrefix, streamqueue.KindRequests)
	group := streamqueue.GroupName(w.cfg.APIPrefix)

	if err := w.sq.EnsureGroup(ctx, stream, group); err != nil {
		return fmt.Errorf("consumer: %s: %w", w.cfg.APIPrefix, err)
	}

	concurrency := w.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		consumerName := streamqueue.ConsumerName(w.cfg.APIPrefix + "-worker")
		go w.processLoop(ctx, stream, group, consumerName)
	}
	return nil
}

// Stop signals every worker goroutine to exit and waits for them.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Worker) processLoop(ctx context.Context, stream, group, consumerName string) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := w.sq.ReadGroup(ctx, stream, group, consumerName, 10, w.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("consumer %s: read group failed: %v", w.cfg.APIPrefix, err)
			continue
		}

		for _, msg := range msgs {
			w.processMessage(ctx, stream, group, msg)
		}
	}
}

func (w *Worker) processMessage(ctx context.Context, stream, group string, msg streamqueue.Message) {
	ack := func() {
		if err := w.sq.Ack(ctx, stream, group, msg.ID); err != nil {
			w.log.Warn("consumer %s: ack failed for %s: %v", w.cfg.APIPrefix, msg.ID, err)
		}
	}
	defer ack()

	query, _ := msg.Values["query"].(string)
	clientID, _ := msg.Values["clientId"].(string)
	apiKey, _ := msg.Values["apiKey"].(string)

	// Step 1: server-assigned jobId, never the producer's.
	jobID := uuid.NewString()
	queryHash := dedup.QueryHash(query)

	// Step 2: job-level dedup.
	ok, err := w.dedup.MarkJobProcessed(ctx, jobID, w.cfg.DedupTTL)
	if err != nil {
		w.log.Warn("consumer %s: job dedup check failed for %s: %v", w.cfg.APIPrefix, jobID, err)
	} else if !ok {
		return
	}

	// Step 3: DLQ duplicate probe.
	if probe := w.dedup.CheckDLQDuplicate(ctx, w.cfg.APIPrefix, jobID, query, w.cfg.DLQDedupWindow); probe.Duplicate {
		w.publishErr(ctx, jobID, CodeDuplicate, "duplicate request detected")
		return
	}

	// Step 4: query lock.
	lockKey := lock.QueryLockKey(w.cfg.APIPrefix, queryHash)
	token, err := w.lockMgr.AcquireLockWithRetry(ctx, lockKey, w.cfg.QueryLockTimeout, 3)
	if err != nil {
		w.publishErr(ctx, jobID, CodeDuplicate, "query currently being processed")
		return
	}
	defer w.releaseLock(ctx, lockKey, token)

	// Step 5: validate.
	res := w.validator.Validate(validate.Envelope{
		JobID:     jobID,
		Query:     query,
		APIPrefix: w.cfg.APIPrefix,
		ClientID:  clientID,
		APIKey:    apiKey,
	})
	if !res.Valid {
		w.publishErr(ctx, jobID, string(res.Err.Code), res.Err.Message)
		if probe := w.dedup.CheckDLQDuplicate(ctx, w.cfg.APIPrefix, jobID, query, w.cfg.DLQDedupWindow); !probe.Duplicate {
			if err := w.dlqMgr.AddToDLQ(ctx, w.cfg.APIPrefix, jobID, res.Err.Error(), query, 0); err != nil {
				w.log.Warn("consumer %s: addToDLQ failed for %s: %v", w.cfg.APIPrefix, jobID, err)
			}
		}
		return
	}

	// Step 6: rate limit.
	identifier := clientID
	if identifier == "" {
		identifier = "global"
	}
	allowed, err := w.limiter.CheckRateLimit(ctx, identifier, w.cfg.APIPrefix, w.cfg.RateLimitPerMinute, w.cfg.RateWindow)
	if err != nil {
		w.log.Warn("consumer %s: rate limit check failed for %s: %v", w.cfg.APIPrefix, jobID, err)
	} else if !allowed {
		w.publishErr(ctx, jobID, CodeRateLimit, "rate limit exceeded")
		return
	}

	// Step 7: upstream fetch.
	post, err := w.fetcher.FetchPosts(ctx, w.cfg.APIPrefix, query, 1, false)
	if err != nil {
		w.log.Warn("consumer %s: fetch failed for %s: %v", w.cfg.APIPrefix, jobID, err)
		w.publishErr(ctx, jobID, CodeUpstreamError, "upstream request failed")
		w.addToDLQ(ctx, jobID, "API error: upstream request failed", query)
		return
	}
	if post == nil {
		w.publishErr(ctx, jobID, CodeUpstreamEmpty, "No posts found")
		w.addToDLQ(ctx, jobID, "No posts found", query)
		return
	}

	// Step 8: publish success. Cache write-through already happened
	// inside the fetcher for non-random lookups.
	if _, err := w.publisher.PublishSuccess(ctx, w.cfg.APIPrefix, jobID, post); err != nil {
		w.log.Warn("consumer %s: publish success failed for %s: %v", w.cfg.APIPrefix, jobID, err)
	}
}

func (w *Worker) publishErr(ctx context.Context, jobID, code, message string) {
	if _, err := w.publisher.PublishError(ctx, w.cfg.APIPrefix, jobID, code, message); err != nil {
		w.log.Warn("consumer %s: publish error failed for %s: %v", w.cfg.APIPrefix, jobID, err)
	}
}

func (w *Worker) addToDLQ(ctx context.Context, jobID, errMsg, query string) {
	if err := w.dlqMgr.AddToDLQ(ctx, w.cfg.APIPrefix, jobID, errMsg, query, 0); err != nil {
		w.log.Warn("consumer %s: addToDLQ failed for %s: %v", w.cfg.APIPrefix, jobID, err)
	}
}

func (w *Worker) releaseLock(ctx context.Context, key, token string) {
	if token == "" {
		return
	}
	if _, err := w.lockMgr.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
		w.log.Warn("consumer %s: release lock %s failed: %v", w.cfg.APIPrefix, key, err)
	}
}
