package streamqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *streamqueue.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return mr, streamqueue.New(rdb)
}

func TestStreamName(t *testing.T) {
	if got, want := streamqueue.StreamName("Danbooru", streamqueue.KindRequests), "danbooru:requests"; got != want {
		t.Errorf("StreamName requests = %q, want %q", got, want)
	}
	if got, want := streamqueue.StreamName("Danbooru", streamqueue.KindDLQ), "danbooru-dlq"; got != want {
		t.Errorf("StreamName dlq = %q, want %q", got, want)
	}
}

func TestAddAndRangeSince(t *testing.T) {
	ctx := context.Background()
	_, c := newTestClient(t)

	stream := streamqueue.StreamName("danbooru", streamqueue.KindDLQ)
	since := time.Now().Add(-time.Minute)

	_, err := c.Add(ctx, stream, map[string]any{"jobId": "j1"}, 0)
	require.NoError(t, err)

	msgs, err := c.RangeSince(ctx, stream, since, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "j1", msgs[0].Values["jobId"])
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	_, c := newTestClient(t)

	stream := streamqueue.StreamName("danbooru", streamqueue.KindRequests)
	group := streamqueue.GroupName("danbooru")

	require.NoError(t, c.EnsureGroup(ctx, stream, group))
	require.NoError(t, c.EnsureGroup(ctx, stream, group))
}

func TestReadGroupAndAck(t *testing.T) {
	ctx := context.Background()
	_, c := newTestClient(t)

	stream := streamqueue.StreamName("danbooru", streamqueue.KindRequests)
	group := streamqueue.GroupName("danbooru")

	require.NoError(t, c.EnsureGroup(ctx, stream, group))

	_, err := c.Add(ctx, stream, map[string]any{"jobId": "j1", "query": "hatsune_miku"}, 0)
	require.NoError(t, err)

	msgs, err := c.ReadGroup(ctx, stream, group, streamqueue.ConsumerName("worker"), 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hatsune_miku", msgs[0].Values["query"])

	require.NoError(t, c.Ack(ctx, stream, group, msgs[0].ID))
}
