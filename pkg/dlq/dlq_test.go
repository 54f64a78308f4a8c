package dlq_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/danbooru-gateway/internal/gatewaylog"
	"github.com/nuulab/danbooru-gateway/pkg/cryptoutil"
	"github.com/nuulab/danbooru-gateway/pkg/dedup"
	"github.com/nuulab/danbooru-gateway/pkg/dlq"
	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
)

func testKey(t *testing.T) cryptoutil.Key {
	t.Helper()
	k, err := cryptoutil.ParseKeyHex(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return k
}

func newManager(t *testing.T, maxRetries int) (*miniredis.Miniredis, *streamqueue.Client, *dlq.Manager) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sq := streamqueue.New(rdb)
	dedupChecker := dedup.New(rdb, sq, gatewaylog.New("test"))
	m := dlq.New(sq, dedupChecker, testKey(t), true, maxRetries, gatewaylog.New("test"))
	return mr, sq, m
}

func TestAddToDLQFailsWithoutKey(t *testing.T) {
	_, sq, _ := newManager(t, 5)
	dedupChecker := dedup.New(sq.Raw(), sq, gatewaylog.New("test"))
	m := dlq.New(sq, dedupChecker, cryptoutil.Key{}, false, 5, gatewaylog.New("test"))

	err := m.AddToDLQ(context.Background(), "danbooru", "job-1", "boom", "miku", 0)
	require.ErrorIs(t, err, dlq.ErrMissingEncryptionKey)
}

func TestAddToDLQThenRetryRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, sq, m := newManager(t, 5)

	require.NoError(t, m.AddToDLQ(ctx, "danbooru", "job-1", "No posts found", "hatsune_miku", 0))

	stream := streamqueue.StreamName("danbooru", streamqueue.KindDLQ)
	entries, err := sq.RangeSince(ctx, stream, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	res, err := m.RetryFromDLQ(ctx, "danbooru", "job-1", 0, entries[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, res.NewStreamID)
	require.Equal(t, 2*time.Second, res.BackoffDelay)

	remaining, err := sq.RangeSince(ctx, stream, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 0, "original DLQ entry must be deleted after retry")

	reqStream := streamqueue.StreamName("danbooru", streamqueue.KindRequests)
	reqs, err := sq.RangeSince(ctx, reqStream, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, "1", reqs[0].Values["retryCount"])
}

func TestRetryFromDLQRejectsAtMaxRetries(t *testing.T) {
	ctx := context.Background()
	_, _, m := newManager(t, 3)

	_, err := m.RetryFromDLQ(ctx, "danbooru", "job-1", 3, "0-0")
	require.ErrorIs(t, err, dlq.ErrRetriesExceeded)
}

func TestRetryFromDLQRejectsMissingEntry(t *testing.T) {
	ctx := context.Background()
	_, _, m := newManager(t, 5)

	_, err := m.RetryFromDLQ(ctx, "danbooru", "job-1", 0, "123-0")
	require.ErrorIs(t, err, dlq.ErrEntryMissing)
}

func TestRetryFromDLQRejectsTamperedHash(t *testing.T) {
	ctx := context.Background()
	_, sq, m := newManager(t, 5)

	require.NoError(t, m.AddToDLQ(ctx, "danbooru", "job-1", "boom", "miku", 0))
	stream := streamqueue.StreamName("danbooru", streamqueue.KindDLQ)
	entries, err := sq.RangeSince(ctx, stream, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)

	// Corrupt the stored hash directly in the stream entry.
	_, err = sq.Add(ctx, stream, map[string]any{
		"jobId":          "job-2",
		"encryptedQuery": entries[0].Values["encryptedQuery"],
		"queryHash":      "0000000000000000000000000000000000000000000000000000000000000000",
		"retryCount":     0,
		"apiPrefix":      "danbooru",
	}, 0)
	require.NoError(t, err)

	all, err := sq.RangeSince(ctx, stream, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	tamperedID := all[len(all)-1].ID

	_, err = m.RetryFromDLQ(ctx, "danbooru", "job-2", 0, tamperedID)
	require.ErrorIs(t, err, dlq.ErrHashMismatch)
}

func TestMoveToDeadQueueFiresAlerter(t *testing.T) {
	ctx := context.Background()
	_, sq, m := newManager(t, 5)

	fired := make(chan dlq.DeadEntry, 1)
	m.AddAlerter(&dlq.CallbackAlerter{Callback: func(e dlq.DeadEntry) { fired <- e }})

	require.NoError(t, m.MoveToDeadQueue(ctx, "danbooru", "job-1", "boom", "miku", "Max retries exceeded", 5))

	select {
	case e := <-fired:
		require.Equal(t, "job-1", e.JobID)
		require.Equal(t, "Max retries exceeded", e.Error)
	case <-time.After(time.Second):
		t.Fatal("alerter was not invoked")
	}

	stream := streamqueue.StreamName("danbooru", streamqueue.KindDead)
	entries, err := sq.RangeSince(ctx, stream, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
