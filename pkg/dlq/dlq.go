// Package dlq implements the dead-letter and dead-queue utilities from
// spec.md §4.6: addToDLQ/moveToDeadQueue/retryFromDLQ over encrypted DLQ
// payloads. The Alerter family is adapted from GoFlow's pkg/queue/dlq.go
// (WebhookAlerter/SlackAlerter/LogAlerter/CallbackAlerter), repurposed to
// fire on dead-queue promotion instead of generic job failure.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
	"github.com/nuulab/danbooru-gateway/pkg/cryptoutil"
	"github.com/nuulab/danbooru-gateway/pkg/dedup"
	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
)

// Sentinel errors for retryFromDLQ, matching the specific failure strings
// required by spec.md §4.6.
var (
	ErrMissingEncryptionKey  = errors.New("dlq: missing encryption key")
	ErrRetriesExceeded       = errors.New("dlq: retryCount >= MAX_DLQ_RETRIES")
	ErrEntryMissing          = errors.New("dlq: entry missing")
	ErrEncryptedFieldAbsent  = errors.New("dlq: encrypted field absent")
	ErrDecryptionFailed      = errors.New("dlq: decryption failed")
	ErrHashMismatch          = errors.New("dlq: hash mismatch")
	ErrDuplicateDuringRetry  = errors.New("dlq: Duplicate job detected during retry")
)

// DeadEntry is what an Alerter sees when a job is promoted to the dead queue.
type DeadEntry struct {
	APIPrefix  string
	JobID      string
	Error      string
	RetryCount int
	MovedAt    time.Time
}

// Alerter is notified whenever a job reaches the dead queue.
type Alerter interface {
	Alert(ctx context.Context, entry DeadEntry) error
}

// Manager appends to and retries from the DLQ/dead streams of one Redis
// connection, shared across every api this process serves.
type Manager struct {
	sq         *streamqueue.Client
	dedup      *dedup.Checker
	key        cryptoutil.Key
	hasKey     bool
	maxRetries int
	log        *gatewaylog.Logger
	alerters   []Alerter
}

// New creates a Manager. An absent key (hasKey=false) disables encryption;
// addToDLQ then fails per spec.md §4.6.
func New(sq *streamqueue.Client, dedupChecker *dedup.Checker, key cryptoutil.Key, hasKey bool, maxRetries int, log *gatewaylog.Logger) *Manager {
	return &Manager{sq: sq, dedup: dedupChecker, key: key, hasKey: hasKey, maxRetries: maxRetries, log: log}
}

// AddAlerter registers an alerter to fire on dead-queue promotion.
func (m *Manager) AddAlerter(a Alerter) {
	m.alerters = append(m.alerters, a)
}

// AddToDLQ appends an encrypted DLQ entry for apiPrefix/jobId.
func (m *Manager) AddToDLQ(ctx context.Context, apiPrefix, jobID, errMsg, plaintextQuery string, retryCount int) error {
	if !m.hasKey {
		return ErrMissingEncryptionKey
	}

	encrypted, err := cryptoutil.Encrypt(m.key, plaintextQuery)
	if err != nil {
		return fmt.Errorf("dlq: encrypt query: %w", err)
	}

	stream := streamqueue.StreamName(apiPrefix, streamqueue.KindDLQ)
	_, err = m.sq.Add(ctx, stream, map[string]any{
		"jobId":          jobID,
		"error":          errMsg,
		"encryptedQuery": encrypted,
		"queryHash":      dedup.QueryHash(plaintextQuery),
		"retryCount":     retryCount,
		"apiPrefix":      apiPrefix,
	}, 0)
	if err != nil {
		return fmt.Errorf("dlq: add %s: %w", stream, err)
	}
	return nil
}

// MoveToDeadQueue appends a terminal entry to the dead stream and fires
// every registered alerter.
func (m *Manager) MoveToDeadQueue(ctx context.Context, apiPrefix, jobID, errMsg, plaintextQuery, finalError string, retryCount int) error {
	movedAt := time.Now().UTC()

	stream := streamqueue.StreamName(apiPrefix, streamqueue.KindDead)
	_, err := m.sq.Add(ctx, stream, map[string]any{
		"jobId":      jobID,
		"error":      errMsg,
		"finalError": finalError,
		"queryHash":  dedup.QueryHash(plaintextQuery),
		"retryCount": retryCount,
		"apiPrefix":  apiPrefix,
		"movedAt":    movedAt.Format(time.RFC3339),
	}, 0)
	if err != nil {
		return fmt.Errorf("dlq: move to dead %s: %w", stream, err)
	}

	entry := DeadEntry{APIPrefix: apiPrefix, JobID: jobID, Error: finalError, RetryCount: retryCount, MovedAt: movedAt}
	for _, a := range m.alerters {
		go func(a Alerter) {
			if err := a.Alert(context.WithoutCancel(ctx), entry); err != nil {
				m.log.Warn("dlq: alerter failed for job %s: %v", jobID, err)
			}
		}(a)
	}
	return nil
}

// RetryResult is the outcome of a successful RetryFromDLQ call.
type RetryResult struct {
	NewStreamID  string
	BackoffDelay time.Duration
}

// RetryFromDLQ implements spec.md §4.6's retryFromDLQ: integrity-check the
// stored entry, re-run the dedup probe, and re-enqueue with backoff.
func (m *Manager) RetryFromDLQ(ctx context.Context, apiPrefix, jobID string, retryCount int, streamID string) (RetryResult, error) {
	if !m.hasKey {
		return RetryResult{}, ErrMissingEncryptionKey
	}
	if retryCount >= m.maxRetries {
		return RetryResult{}, ErrRetriesExceeded
	}

	stream := streamqueue.StreamName(apiPrefix, streamqueue.KindDLQ)
	entry, err := m.sq.Get(ctx, stream, streamID)
	if err != nil {
		return RetryResult{}, fmt.Errorf("dlq: fetch entry: %w", err)
	}
	if entry == nil {
		return RetryResult{}, ErrEntryMissing
	}

	encryptedQuery, _ := entry.Values["encryptedQuery"].(string)
	if encryptedQuery == "" {
		return RetryResult{}, ErrEncryptedFieldAbsent
	}
	storedHash, _ := entry.Values["queryHash"].(string)

	plaintext, err := cryptoutil.Decrypt(m.key, encryptedQuery)
	if err != nil {
		return RetryResult{}, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if dedup.QueryHash(plaintext) != storedHash {
		return RetryResult{}, ErrHashMismatch
	}

	// The entry being retried carries the same queryHash; a match on it is
	// not counted as a duplicate.
	if probe := m.dedup.CheckDLQDuplicate(ctx, apiPrefix, jobID, plaintext, time.Hour); probe.Duplicate && probe.MatchedID != streamID {
		return RetryResult{}, ErrDuplicateDuringRetry
	}

	nextRetry := retryCount + 1
	backoff := backoffDelay(nextRetry)

	reEncrypted, err := cryptoutil.Encrypt(m.key, plaintext)
	if err != nil {
		return RetryResult{}, fmt.Errorf("dlq: re-encrypt: %w", err)
	}

	requestsStream := streamqueue.StreamName(apiPrefix, streamqueue.KindRequests)
	newID, err := m.sq.Add(ctx, requestsStream, map[string]any{
		"jobId":          jobID,
		"encryptedQuery": reEncrypted,
		"queryHash":      storedHash,
		"retryCount":     nextRetry,
		"apiPrefix":      apiPrefix,
		"backoffDelayMs": backoff.Milliseconds(),
	}, 0)
	if err != nil {
		return RetryResult{}, fmt.Errorf("dlq: re-enqueue: %w", err)
	}

	if err := m.sq.Del(ctx, stream, streamID); err != nil {
		m.log.Warn("dlq: failed to delete original DLQ entry %s: %v", streamID, err)
	}

	return RetryResult{NewStreamID: newID, BackoffDelay: backoff}, nil
}

// backoffDelay is min(1000*2^n, 60000) ms, per spec.md §4.6.
func backoffDelay(attempt int) time.Duration {
	ms := int64(1000)
	for i := 0; i < attempt; i++ {
		ms *= 2
		if ms >= 60000 {
			return 60000 * time.Millisecond
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// WebhookAlerter posts a JSON payload describing the dead-queue promotion.
type WebhookAlerter struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

// NewWebhookAlerter creates a webhook alerter.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{URL: url, Headers: make(map[string]string), client: &http.Client{Timeout: 10 * time.Second}}
}

// Alert posts entry to the configured webhook.
func (w *WebhookAlerter) Alert(ctx context.Context, entry DeadEntry) error {
	body := fmt.Sprintf(`{"type":"job_moved_to_dead","jobId":"%s","apiPrefix":"%s","error":%q,"retryCount":%d,"movedAt":"%s"}`,
		entry.JobID, entry.APIPrefix, entry.Error, entry.RetryCount, entry.MovedAt.Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// SlackAlerter posts a formatted message to a Slack incoming webhook.
type SlackAlerter struct {
	WebhookURL string
	Channel    string
	client     *http.Client
}

// NewSlackAlerter creates a Slack alerter.
func NewSlackAlerter(webhookURL, channel string) *SlackAlerter {
	return &SlackAlerter{WebhookURL: webhookURL, Channel: channel, client: &http.Client{Timeout: 10 * time.Second}}
}

// Alert posts entry to Slack.
func (s *SlackAlerter) Alert(ctx context.Context, entry DeadEntry) error {
	text := fmt.Sprintf(":x: *Job moved to dead queue*\n"+
		"• API: `%s`\n• Job ID: `%s`\n• Error: %s\n• Retries: %d\n• Moved At: %s",
		entry.APIPrefix, entry.JobID, entry.Error, entry.RetryCount, entry.MovedAt.Format(time.RFC3339))

	payload := fmt.Sprintf(`{"text":%q`, text)
	if s.Channel != "" {
		payload += fmt.Sprintf(`,"channel":%q`, s.Channel)
	}
	payload += "}"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, strings.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// LogAlerter logs the dead-queue promotion through the shared logger.
type LogAlerter struct {
	Log *gatewaylog.Logger
}

// Alert logs entry.
func (l *LogAlerter) Alert(ctx context.Context, entry DeadEntry) error {
	l.Log.Warn("job %s (api %s) moved to dead queue after %d retries: %s", entry.JobID, entry.APIPrefix, entry.RetryCount, entry.Error)
	return nil
}

// CallbackAlerter invokes an arbitrary function, used by tests and by
// gatewayctl to hook custom notification channels.
type CallbackAlerter struct {
	Callback func(entry DeadEntry)
}

// Alert invokes the callback.
func (c *CallbackAlerter) Alert(ctx context.Context, entry DeadEntry) error {
	c.Callback(entry)
	return nil
}
