package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/config"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
)

func newTestQueue(t *testing.T) (*Queue, hottier.Client) {
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	client := hottier.NewRedis(config.RedisConfig{
		MasterHost:      host,
		MasterPort:      port,
		ConnectTimeout:  time.Second,
		MaxRetries:      1,
		RetryDelay:      10 * time.Millisecond,
		FailoverTimeout: 10 * time.Second,
	}, log)
	t.Cleanup(func() { _ = client.Close() })

	q := New(client, log)
	require.NoError(t, q.EnsureGroup(context.Background()))
	return q, client
}

func consumeOnce(t *testing.T, q *Queue, handler Handler) int {
	n, err := q.Consume(context.Background(), handler, 10*time.Millisecond, 16)
	require.NoError(t, err)
	return n
}

func TestQueue_EnqueueConsumeAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	msg := &domain.Message{ID: "m1", Room: "r1", Content: "hello"}
	id, err := q.Enqueue(ctx, domain.OpCreateMessage, msg)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	var seen []*domain.SyncEvent
	n := consumeOnce(t, q, func(_ context.Context, ev *domain.SyncEvent) error {
		seen = append(seen, ev)
		return nil
	})
	assert.Equal(t, 1, n)
	require.Len(t, seen, 1)
	assert.Equal(t, domain.OpCreateMessage, seen[0].Operation)
	assert.Equal(t, 0, seen[0].RetryCount)

	var decoded domain.Message
	require.NoError(t, json.Unmarshal(seen[0].Payload, &decoded))
	assert.Equal(t, "hello", decoded.Content)

	// Acked entries are not redelivered.
	n = consumeOnce(t, q, func(_ context.Context, _ *domain.SyncEvent) error { return nil })
	assert.Equal(t, 0, n)
}

func TestQueue_RetryIncrementsAndCarriesError(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.OpMarkAsRead, domain.MarkAsReadPayload{MessageID: "m1", UserID: "u1"})
	require.NoError(t, err)

	boom := errors.New("mongo unavailable")
	consumeOnce(t, q, func(_ context.Context, _ *domain.SyncEvent) error { return boom })

	var retried *domain.SyncEvent
	consumeOnce(t, q, func(_ context.Context, ev *domain.SyncEvent) error {
		retried = ev
		return nil
	})
	require.NotNil(t, retried)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, "mongo unavailable", retried.LastError)
	assert.NotEmpty(t, retried.OriginalID)
}

func TestQueue_DeadLetterAfterMaxRetries(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.OpAddReaction, domain.ReactionPayload{MessageID: "m1", Emoji: "👍", UserID: "u1"})
	require.NoError(t, err)

	fail := func(_ context.Context, _ *domain.SyncEvent) error { return errors.New("still failing") }

	// Initial attempt + MaxRetries re-enqueued attempts all fail.
	for i := 0; i <= MaxRetries; i++ {
		consumeOnce(t, q, fail)
	}

	// The primary stream is drained.
	n := consumeOnce(t, q, func(_ context.Context, _ *domain.SyncEvent) error {
		t.Fatal("no further deliveries expected")
		return nil
	})
	assert.Equal(t, 0, n)

	// The event landed in the dead-letter stream with its final error.
	require.NoError(t, client.StreamGroupCreate(ctx, DeadLetterName, "inspector"))
	entries, err := client.StreamReadGroup(ctx, hottier.StreamReadArgs{
		Stream:   DeadLetterName,
		Group:    "inspector",
		Consumer: "t",
		Count:    10,
		Block:    10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(domain.OpAddReaction), entries[0].Fields["operation"])
	assert.Equal(t, strconv.Itoa(MaxRetries), entries[0].Fields["retryCount"])
	assert.Equal(t, "still failing", entries[0].Fields["finalError"])
}
