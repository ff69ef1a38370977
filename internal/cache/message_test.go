package cache

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/lock"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncqueue"
)

type recordingBus struct {
	ops  []domain.SyncOp
	msgs []*domain.Message
}

func (b *recordingBus) BroadcastMessageSync(_ context.Context, op domain.SyncOp, msg *domain.Message) {
	b.ops = append(b.ops, op)
	b.msgs = append(b.msgs, msg)
}

func newMessageCacheUnderTest() (*MessageCache, *fakeHot, *fakeMessageStore, *lock.Service) {
	hot := newFakeHot()
	st := newFakeMessageStore()
	log := testLogger()
	locks := lock.NewService(hot, "instance-test", log)
	queue := syncqueue.New(hot, log)
	return NewMessageCache(hot, st, queue, locks, "instance-test", log), hot, st, locks
}

var hex24 = regexp.MustCompile(`^[0-9a-f]{24}$`)

func TestMessageCache_CreateMessage(t *testing.T) {
	cache, hot, _, locks := newMessageCacheUnderTest()
	bus := &recordingBus{}
	cache.SetBroadcaster(bus)
	ctx := context.Background()

	msg, err := cache.CreateMessage(ctx, CreateMessageInput{
		Room:    "room-1",
		Sender:  domain.UserRef{ID: "u1", Name: "alice"},
		Type:    domain.MessageTypeText,
		Content: "hello @wayneAI",
	})
	require.NoError(t, err)

	assert.Regexp(t, hex24, msg.ID)
	assert.Equal(t, "room-1", msg.Room)
	assert.NotZero(t, msg.Timestamp)
	assert.Empty(t, msg.Readers)
	assert.Empty(t, msg.Reactions)
	assert.False(t, msg.IsDeleted)
	assert.Equal(t, []string{"wayneAI"}, msg.Mentions)
	assert.Equal(t, "instance-test", msg.InstanceID)

	// Hot tier holds the document.
	raw, err := hot.JSONGet(ctx, MessageKey(msg.ID), ".")
	require.NoError(t, err)
	var cached domain.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Equal(t, msg.Content, cached.Content)

	// One sync event enqueued for the durable tier.
	assert.Equal(t, 1, hot.streamLen(syncqueue.StreamName))

	// Cross-instance broadcast fired.
	require.Len(t, bus.ops, 1)
	assert.Equal(t, domain.OpCreateMessage, bus.ops[0])

	// The per-room creation lock is released on return.
	assert.Empty(t, locks.ActiveLocks())
}

// Timestamps assigned under the creation lock are monotonically
// non-decreasing per room.
func TestMessageCache_CreateMessageTimestampsMonotonic(t *testing.T) {
	cache, _, _, _ := newMessageCacheUnderTest()
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		msg, err := cache.CreateMessage(ctx, CreateMessageInput{
			Room:    "room-1",
			Sender:  domain.UserRef{ID: "u1"},
			Type:    domain.MessageTypeText,
			Content: "m",
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, msg.Timestamp, last)
		last = msg.Timestamp
	}
}

func TestMessageCache_GetMessagesByRoom(t *testing.T) {
	cache, hot, st, _ := newMessageCacheUnderTest()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seedMessage(t, hot, st, &domain.Message{
			ID:        string(rune('a'+i)) + "2345678901234567890123" + string(rune('0'+i)),
			Room:      "room-1",
			Type:      domain.MessageTypeText,
			Content:   "msg",
			Timestamp: int64(i * 1000),
		})
	}
	// A deleted message is excluded from reads.
	seedMessage(t, hot, st, &domain.Message{
		ID: "deleteddeleteddeleted001", Room: "room-1", Timestamp: 2500, IsDeleted: true,
	})
	// Another room's message never shows up.
	seedMessage(t, hot, st, &domain.Message{
		ID: "otherroomotherroomoth001", Room: "room-2", Timestamp: 9000,
	})

	page, err := cache.GetMessagesByRoom(ctx, "room-1", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, SourceRedis, page.Source)
	require.Len(t, page.Messages, 3)
	// Oldest to newest within the page, page itself is the newest three.
	assert.Equal(t, int64(3000), page.Messages[0].Timestamp)
	assert.Equal(t, int64(5000), page.Messages[2].Timestamp)
	assert.True(t, page.HasMore)
	assert.Equal(t, int64(3000), page.OldestTimestamp)

	// Paging older than the previous oldest timestamp.
	page, err = cache.GetMessagesByRoom(ctx, "room-1", 3000, 3)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, int64(1000), page.Messages[0].Timestamp)
	assert.Equal(t, int64(2000), page.Messages[1].Timestamp)
}

func TestMessageCache_GetMessagesBoundaries(t *testing.T) {
	cache, hot, st, _ := newMessageCacheUnderTest()
	ctx := context.Background()

	seedMessage(t, hot, st, &domain.Message{ID: "aaaaaaaaaaaaaaaaaaaaaaa1", Room: "room-1", Timestamp: 1000})

	// limit=0 returns an empty page with hasMore=false.
	page, err := cache.GetMessagesByRoom(ctx, "room-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)

	// limit above the cap is clamped, not rejected.
	page, err = cache.GetMessagesByRoom(ctx, "room-1", 0, 500)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)
	assert.False(t, page.HasMore)
}

func TestMessageCache_FallbackToStore(t *testing.T) {
	cache, hot, st, _ := newMessageCacheUnderTest()
	ctx := context.Background()

	// Only in the durable tier.
	st.put(&domain.Message{ID: "bbbbbbbbbbbbbbbbbbbbbbb1", Room: "room-1", Content: "cold", Timestamp: 1000,
		Readers: []domain.Reader{}, Reactions: map[string][]string{}})

	hot.searchErr = assertableErr("search down")
	page, err := cache.GetMessagesByRoom(ctx, "room-1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, SourceMongoDB, page.Source)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "cold", page.Messages[0].Content)

	// Fallback re-populates the hot tier.
	_, err = hot.JSONGet(ctx, MessageKey("bbbbbbbbbbbbbbbbbbbbbbb1"), ".")
	assert.NoError(t, err)
}

func TestMessageCache_MarkAsRead(t *testing.T) {
	cache, hot, st, _ := newMessageCacheUnderTest()
	ctx := context.Background()

	seedMessage(t, hot, st, &domain.Message{ID: "ccccccccccccccccccccccc1", Room: "room-1", Timestamp: 1})
	seedMessage(t, hot, st, &domain.Message{ID: "ccccccccccccccccccccccc2", Room: "room-1", Timestamp: 2})

	updated, err := cache.MarkAsRead(ctx, []string{"ccccccccccccccccccccccc1", "ccccccccccccccccccccccc2", "missing"}, "u2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ccccccccccccccccccccccc1", "ccccccccccccccccccccccc2"}, updated)

	// Idempotent: the second call updates nothing.
	updated, err = cache.MarkAsRead(ctx, []string{"ccccccccccccccccccccccc1"}, "u2")
	require.NoError(t, err)
	assert.Empty(t, updated)

	msg, err := cache.GetMessage(ctx, "ccccccccccccccccccccccc1")
	require.NoError(t, err)
	require.Len(t, msg.Readers, 1)
	assert.Equal(t, "u2", msg.Readers[0].UserID)
}

func TestMessageCache_Reactions(t *testing.T) {
	cache, hot, st, _ := newMessageCacheUnderTest()
	ctx := context.Background()

	seedMessage(t, hot, st, &domain.Message{ID: "ddddddddddddddddddddddd1", Room: "room-1", Timestamp: 1})

	users, err := cache.AddReaction(ctx, "ddddddddddddddddddddddd1", "👍", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	// Adding twice is a set add.
	users, err = cache.AddReaction(ctx, "ddddddddddddddddddddddd1", "👍", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	users, err = cache.RemoveReaction(ctx, "ddddddddddddddddddddddd1", "👍", "u1")
	require.NoError(t, err)
	assert.Empty(t, users)

	msg, err := cache.GetMessage(ctx, "ddddddddddddddddddddddd1")
	require.NoError(t, err)
	assert.NotContains(t, msg.Reactions, "👍", "empty bucket is removed")
}

func TestMessageCache_ApplyRemote(t *testing.T) {
	cache, hot, _, _ := newMessageCacheUnderTest()
	ctx := context.Background()

	remote := &domain.Message{ID: "eeeeeeeeeeeeeeeeeeeeeee1", Room: "room-1", Content: "from-peer",
		Timestamp: 1, Readers: []domain.Reader{}, Reactions: map[string][]string{}}

	// CREATE caches when absent.
	cache.ApplyRemote(ctx, domain.OpCreateMessage, remote)
	raw, err := hot.JSONGet(ctx, MessageKey(remote.ID), ".")
	require.NoError(t, err)
	assert.Contains(t, raw, "from-peer")

	// CREATE must not overwrite an existing local document.
	newer := *remote
	newer.Content = "stale-create"
	cache.ApplyRemote(ctx, domain.OpCreateMessage, &newer)
	raw, _ = hot.JSONGet(ctx, MessageKey(remote.ID), ".")
	assert.Contains(t, raw, "from-peer")

	// UPDATE overwrites when present.
	updated := *remote
	updated.Content = "edited"
	cache.ApplyRemote(ctx, domain.OpUpdateMessage, &updated)
	raw, _ = hot.JSONGet(ctx, MessageKey(remote.ID), ".")
	assert.Contains(t, raw, "edited")

	// UPDATE for an unknown document is ignored.
	unknown := &domain.Message{ID: "fffffffffffffffffffffff1", Room: "room-1"}
	cache.ApplyRemote(ctx, domain.OpUpdateMessage, unknown)
	_, err = hot.JSONGet(ctx, MessageKey(unknown.ID), ".")
	assert.Error(t, err)
}

func TestMessageCache_WarmCacheForRoom(t *testing.T) {
	cache, hot, st, _ := newMessageCacheUnderTest()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st.put(&domain.Message{
			ID: string(rune('a'+i)) + "1234567890123456789012" + string(rune('0'+i)),
			Room: "room-1", Timestamp: domain.NowMillis(),
			Readers: []domain.Reader{}, Reactions: map[string][]string{},
		})
	}

	cached, err := cache.WarmCacheForRoom(ctx, "room-1", 30)
	require.NoError(t, err)
	assert.Equal(t, 3, cached)

	warmed, err := cache.WarmAllActiveRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, warmed)

	msgs, _ := st.ListByRoom(ctx, "room-1", 0, 10)
	for _, msg := range msgs {
		_, err := hot.JSONGet(ctx, MessageKey(msg.ID), ".")
		assert.NoError(t, err)
	}
}
