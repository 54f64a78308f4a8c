// Package dlqconsumer runs the long-running DLQ sweep loop of spec.md
// §4.9: classify each DLQ entry as retryable or terminal, retry or
// promote to the dead queue, and sleep between cycles. Grounded on the
// same GoFlow queue.Worker loop shape as pkg/consumer, reading a
// different stream with a different classification policy.
package dlqconsumer

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
	"github.com/nuulab/danbooru-gateway/pkg/dlq"
	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
)

var retryableSubstrings = []string{"No posts found", "Rate limit", "API error"}

const (
	successSleep = 2 * time.Second
	errorSleep   = 5 * time.Second
)

// Config configures one api's DLQ consumer loop.
type Config struct {
	APIPrefix     string
	MaxDLQRetries int
	BlockTimeout  time.Duration
	PrivacyMode   bool
}

// Consumer runs the sweep loop for one api.
type Consumer struct {
	cfg  Config
	sq   *streamqueue.Client
	dlq  *dlq.Manager
	log  *gatewaylog.Logger
	stop chan struct{}
	done chan struct{}
}

// New creates a Consumer.
func New(cfg Config, sq *streamqueue.Client, dlqMgr *dlq.Manager, log *gatewaylog.Logger) *Consumer {
	return &Consumer{cfg: cfg, sq: sq, dlq: dlqMgr, log: log, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled.
// It blocks the caller's goroutine; callers typically `go c.Start(ctx)`.
func (c *Consumer) Start(ctx context.Context) error {
	defer close(c.done)

	stream := streamqueue.StreamName(c.cfg.APIPrefix, streamqueue.KindDLQ)
	group := streamqueue.GroupName(c.cfg.APIPrefix)
	consumerName := streamqueue.ConsumerName(c.cfg.APIPrefix + "-dlqconsumer")

	if err := c.sq.EnsureGroup(ctx, stream, group); err != nil {
		return err
	}

	block := c.cfg.BlockTimeout
	if block <= 0 {
		block = 5 * time.Second
	}

	for {
		select {
		case <-c.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		sleep := c.runCycle(ctx, stream, group, consumerName, block)

		select {
		case <-c.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Consumer) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Consumer) runCycle(ctx context.Context, stream, group, consumerName string, block time.Duration) time.Duration {
	msgs, err := c.sq.ReadGroup(ctx, stream, group, consumerName, 10, block)
	if err != nil {
		c.log.Warn("dlqconsumer %s: read failed: %v", c.cfg.APIPrefix, err)
		return errorSleep
	}

	anyErr := false
	for _, msg := range msgs {
		if err := c.handleEntry(ctx, stream, group, msg); err != nil {
			anyErr = true
		}
	}

	if anyErr {
		return errorSleep
	}
	return successSleep
}

func (c *Consumer) handleEntry(ctx context.Context, stream, group string, msg streamqueue.Message) error {
	jobID, _ := msg.Values["jobId"].(string)
	errMsg, _ := msg.Values["error"].(string)
	retryCount := intField(msg.Values["retryCount"])
	originalError, hasOriginal := msg.Values["originalError"].(string)

	if jobID == "" || errMsg == "" {
		c.log.Warn("dlqconsumer %s: entry %s missing required fields, dropping", c.cfg.APIPrefix, msg.ID)
		return c.sq.Del(ctx, stream, msg.ID)
	}

	encryptedQuery, _ := msg.Values["encryptedQuery"].(string)
	retryable := isRetryable(errMsg)

	if retryable && retryCount < c.cfg.MaxDLQRetries {
		if c.cfg.PrivacyMode || encryptedQuery == "" {
			finalErr := "Retry skipped due to privacy masking (attempt " + strconv.Itoa(retryCount+1) + ")"
			return c.promote(ctx, stream, group, msg, jobID, errMsg, finalErr, retryCount)
		}

		if _, err := c.dlq.RetryFromDLQ(ctx, c.cfg.APIPrefix, jobID, retryCount, msg.ID); err != nil {
			c.log.Warn("dlqconsumer %s: retry failed for %s: %v", c.cfg.APIPrefix, jobID, err)
			finalErr := "Max retries exceeded"
			if hasOriginal && originalError != "" {
				finalErr = originalError
			}
			return c.promote(ctx, stream, group, msg, jobID, errMsg, finalErr, retryCount)
		}
		return nil
	}

	finalErr := "Max retries exceeded"
	if hasOriginal && originalError != "" {
		finalErr = originalError
	}
	return c.promote(ctx, stream, group, msg, jobID, errMsg, finalErr, retryCount)
}

func (c *Consumer) promote(ctx context.Context, stream, group string, msg streamqueue.Message, jobID, errMsg, finalErr string, retryCount int) error {
	plaintextQuery, _ := msg.Values["query"].(string)

	if err := c.dlq.MoveToDeadQueue(ctx, c.cfg.APIPrefix, jobID, errMsg, plaintextQuery, finalErr, retryCount); err != nil {
		c.log.Warn("dlqconsumer %s: move to dead failed for %s: %v", c.cfg.APIPrefix, jobID, err)
		return err
	}
	if err := c.sq.Ack(ctx, stream, group, msg.ID); err != nil {
		c.log.Warn("dlqconsumer %s: ack failed for %s: %v", c.cfg.APIPrefix, msg.ID, err)
	}
	return c.sq.Del(ctx, stream, msg.ID)
}

func isRetryable(errMsg string) bool {
	for _, s := range retryableSubstrings {
		if strings.Contains(errMsg, s) {
			return true
		}
	}
	return false
}

func intField(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}
