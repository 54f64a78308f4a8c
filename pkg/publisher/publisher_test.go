package publisher_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nuulab/danbooru-gateway/pkg/publisher"
	"github.com/nuulab/danbooru-gateway/pkg/streamqueue"
)

func newPublisher(t *testing.T) (*streamqueue.Client, *publisher.Publisher) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sq := streamqueue.New(rdb)
	return sq, publisher.New(sq)
}

func TestPublishSuccessAppendsToResponsesStream(t *testing.T) {
	ctx := context.Background()
	sq, p := newPublisher(t)

	id, err := p.PublishSuccess(ctx, "danbooru", "job-1", map[string]any{"id": float64(1)})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stream := streamqueue.StreamName("danbooru", streamqueue.KindResponses)
	entries, err := sq.RangeSince(ctx, stream, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ok", entries[0].Values["status"])
	require.Equal(t, "job-1", entries[0].Values["jobId"])
}

func TestPublishErrorIncludesCode(t *testing.T) {
	ctx := context.Background()
	sq, p := newPublisher(t)

	_, err := p.PublishError(ctx, "danbooru", "job-1", "RATE_LIMIT", "too many requests")
	require.NoError(t, err)

	stream := streamqueue.StreamName("danbooru", streamqueue.KindResponses)
	entries, err := sq.RangeSince(ctx, stream, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "error", entries[0].Values["status"])
	require.Equal(t, "RATE_LIMIT", entries[0].Values["code"])
}
