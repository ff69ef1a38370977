package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/lock"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncqueue"
)

const (
	messageKeyPrefix = "message:"
	messageIndexName = "idx_chat_messages"

	createLockPrefix  = "room_message_create:"
	createLockTTL     = 5 * time.Second
	createLockRetries = 30

	// DefaultPageLimit and MaxPageLimit bound history pages.
	DefaultPageLimit = 30
	MaxPageLimit     = 100

	warmWindow = 24 * time.Hour
)

// Broadcaster publishes cache mutations to peer instances. The event bus
// implements it; a nil Broadcaster disables cross-instance fan-out.
type Broadcaster interface {
	BroadcastMessageSync(ctx context.Context, op domain.SyncOp, msg *domain.Message)
}

// MessagePage is one page of room history, oldest to newest.
type MessagePage struct {
	Messages        []*domain.Message `json:"messages"`
	HasMore         bool              `json:"hasMore"`
	OldestTimestamp int64             `json:"oldestTimestamp,omitempty"`
	Source          string            `json:"source"`
}

// CreateMessageInput is the write-back payload for a new message.
type CreateMessageInput struct {
	Room     string
	Sender   domain.UserRef
	Type     string
	Content  string
	File     *domain.FileMeta
	AIType   string
	Metadata map[string]interface{}
}

// MessageStore is the durable-tier slice the message cache needs.
type MessageStore interface {
	Get(ctx context.Context, id string) (*domain.Message, error)
	ListByRoom(ctx context.Context, roomID string, before int64, limit int64) ([]*domain.Message, error)
	ActiveRoomIDs(ctx context.Context, since int64) ([]string, error)
}

// MessageCache is the write-back message service: hot tier first, sync queue
// to the durable tier, cross-instance broadcast to peers.
type MessageCache struct {
	hot        hottier.Client
	store      MessageStore
	queue      *syncqueue.Queue
	locks      *lock.Service
	bus        Broadcaster
	instanceID string
	log        *logrus.Logger
}

// NewMessageCache builds the service. The bus is late-bound via SetBroadcaster
// because the event bus is constructed after the cache services.
func NewMessageCache(hot hottier.Client, st MessageStore, queue *syncqueue.Queue, locks *lock.Service, instanceID string, log *logrus.Logger) *MessageCache {
	return &MessageCache{hot: hot, store: st, queue: queue, locks: locks, instanceID: instanceID, log: log}
}

// SetBroadcaster wires the cross-instance event bus after construction.
func (c *MessageCache) SetBroadcaster(bus Broadcaster) { c.bus = bus }

// MessageKey returns the hot-tier key for a message id.
func MessageKey(id string) string { return messageKeyPrefix + id }

// EnsureIndex creates the message search index. An existing index is fine.
func (c *MessageCache) EnsureIndex(ctx context.Context) error {
	return c.hot.IndexCreate(ctx, messageIndexName, hottier.IndexDefinition{
		Prefix: messageKeyPrefix,
		Fields: []hottier.IndexField{
			{Path: "$._id", As: "id", Type: hottier.FieldTag},
			{Path: "$.room", As: "room", Type: hottier.FieldTag},
			{Path: "$.content", As: "content", Type: hottier.FieldText},
			{Path: "$.sender._id", As: "senderId", Type: hottier.FieldTag},
			{Path: "$.sender.name", As: "senderName", Type: hottier.FieldText},
			{Path: "$.type", As: "type", Type: hottier.FieldTag},
			{Path: "$.file.filename", As: "filename", Type: hottier.FieldTag},
			{Path: "$.aiType", As: "aiType", Type: hottier.FieldTag},
			{Path: "$.timestamp", As: "timestamp", Type: hottier.FieldNumeric, Sortable: true},
			{Path: "$.readers[*].userId", As: "readerId", Type: hottier.FieldTag},
			{Path: "$.isDeleted", As: "isDeleted", Type: hottier.FieldTag},
		},
	})
}

// GetMessagesByRoom returns up to limit non-deleted messages older than
// before (0 means newest page), oldest to newest, from the hot-tier index
// with a durable-tier fallback.
func (c *MessageCache) GetMessagesByRoom(ctx context.Context, roomID string, before int64, limit int) (*MessagePage, error) {
	if limit == 0 {
		return &MessagePage{Messages: []*domain.Message{}, HasMore: false, Source: SourceRedis}, nil
	}
	if limit < 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	query := fmt.Sprintf("@room:{%s} @isDeleted:{false}", escapeQuery(roomID))
	if before > 0 {
		query += fmt.Sprintf(" @timestamp:[0 (%d]", before)
	}

	res, err := c.hot.Search(ctx, messageIndexName, query, hottier.SearchOptions{
		SortBy:   "timestamp",
		SortDesc: true,
		Offset:   0,
		Limit:    limit,
	})
	if err != nil || res.Total == 0 {
		if err != nil && !hottier.IsUnsupported(err) {
			c.log.WithError(err).WithField("roomId", roomID).Warn("message search failed, falling back to mongodb")
		}
		return c.pageFromStore(ctx, roomID, before, limit)
	}

	messages := make([]*domain.Message, 0, len(res.Docs))
	for _, doc := range res.Docs {
		raw, err := c.hot.JSONGet(ctx, doc.Key, ".")
		if err != nil {
			continue
		}
		var msg domain.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		messages = append(messages, &msg)
	}

	// The index returns newest first; history pages read oldest to newest.
	reverse(messages)

	page := &MessagePage{
		Messages: messages,
		HasMore:  len(res.Docs) >= limit,
		Source:   SourceRedis,
	}
	if len(messages) > 0 {
		page.OldestTimestamp = messages[0].Timestamp
	}
	return page, nil
}

func (c *MessageCache) pageFromStore(ctx context.Context, roomID string, before int64, limit int) (*MessagePage, error) {
	msgs, err := c.store.ListByRoom(ctx, roomID, before, int64(limit)+1)
	if err != nil {
		return nil, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for _, msg := range msgs {
		c.writeDocument(ctx, msg)
	}
	reverse(msgs)
	page := &MessagePage{Messages: msgs, HasMore: hasMore, Source: SourceMongoDB}
	if len(msgs) > 0 {
		page.OldestTimestamp = msgs[0].Timestamp
	}
	return page, nil
}

// CreateMessage performs the write-back path: per-room distributed lock, hot
// tier write, sync-queue enqueue, cross-instance broadcast. The lock is
// released on every path.
func (c *MessageCache) CreateMessage(ctx context.Context, in CreateMessageInput) (*domain.Message, error) {
	resource := createLockPrefix + in.Room
	if err := c.locks.Acquire(ctx, resource, createLockTTL, createLockRetries); err != nil {
		return nil, err
	}
	defer func() {
		if _, err := c.locks.Release(context.Background(), resource); err != nil {
			c.log.WithError(err).WithField("roomId", in.Room).Warn("failed to release message-create lock")
		}
	}()

	msg := &domain.Message{
		ID:         primitive.NewObjectID().Hex(),
		Room:       in.Room,
		Sender:     in.Sender,
		Type:       in.Type,
		Content:    in.Content,
		File:       in.File,
		AIType:     in.AIType,
		Mentions:   domain.ExtractMentions(in.Content),
		Timestamp:  domain.NowMillis(),
		Readers:    []domain.Reader{},
		Reactions:  map[string][]string{},
		Metadata:   in.Metadata,
		IsDeleted:  false,
		InstanceID: c.instanceID,
	}

	if err := c.hot.JSONSet(ctx, MessageKey(msg.ID), "$", msg); err != nil {
		return nil, fmt.Errorf("cache: write message to hot tier: %w", err)
	}
	if _, err := c.queue.Enqueue(ctx, domain.OpCreateMessage, msg); err != nil {
		c.log.WithError(err).WithField("messageId", msg.ID).Error("failed to enqueue message for durable sync")
	}
	if c.bus != nil {
		c.bus.BroadcastMessageSync(ctx, domain.OpCreateMessage, msg)
	}
	return msg, nil
}

// GetMessage loads one message from the hot tier, falling back to the
// durable tier with re-population.
func (c *MessageCache) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	raw, err := c.hot.JSONGet(ctx, MessageKey(id), ".")
	if err == nil {
		var msg domain.Message
		if jsonErr := json.Unmarshal([]byte(raw), &msg); jsonErr == nil {
			return &msg, nil
		}
	}
	msg, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.writeDocument(ctx, msg)
	return msg, nil
}

// MarkAsRead appends read receipts for userID and returns the ids that were
// actually updated. Already-read messages are skipped.
func (c *MessageCache) MarkAsRead(ctx context.Context, messageIDs []string, userID string) ([]string, error) {
	updated := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		msg, err := c.GetMessage(ctx, id)
		if err != nil {
			c.log.WithError(err).WithField("messageId", id).Debug("skipping read receipt for missing message")
			continue
		}
		readAt := domain.NowMillis()
		if !msg.AddReader(userID, readAt) {
			continue
		}
		c.setField(ctx, msg, "$.readers", msg.Readers)
		if _, err := c.queue.Enqueue(ctx, domain.OpMarkAsRead, domain.MarkAsReadPayload{
			MessageID: id,
			UserID:    userID,
			ReadAt:    readAt,
		}); err != nil {
			c.log.WithError(err).WithField("messageId", id).Error("failed to enqueue read receipt")
		}
		updated = append(updated, id)
	}
	return updated, nil
}

// AddReaction adds userID to the emoji set and returns the resulting users.
func (c *MessageCache) AddReaction(ctx context.Context, messageID, emoji, userID string) ([]string, error) {
	msg, err := c.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.AddReaction(emoji, userID) {
		c.setField(ctx, msg, "$.reactions", msg.Reactions)
		if _, err := c.queue.Enqueue(ctx, domain.OpAddReaction, domain.ReactionPayload{
			MessageID: messageID, Emoji: emoji, UserID: userID,
		}); err != nil {
			c.log.WithError(err).WithField("messageId", messageID).Error("failed to enqueue reaction")
		}
	}
	return msg.Reactions[emoji], nil
}

// RemoveReaction removes userID from the emoji set, dropping the bucket when
// empty, and returns the remaining users.
func (c *MessageCache) RemoveReaction(ctx context.Context, messageID, emoji, userID string) ([]string, error) {
	msg, err := c.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.RemoveReaction(emoji, userID) {
		c.setField(ctx, msg, "$.reactions", msg.Reactions)
		if _, err := c.queue.Enqueue(ctx, domain.OpRemoveReaction, domain.ReactionPayload{
			MessageID: messageID, Emoji: emoji, UserID: userID,
		}); err != nil {
			c.log.WithError(err).WithField("messageId", messageID).Error("failed to enqueue reaction removal")
		}
	}
	return msg.Reactions[emoji], nil
}

// DeleteMessage soft-deletes: the document is kept but leaves normal reads.
func (c *MessageCache) DeleteMessage(ctx context.Context, messageID string) error {
	msg, err := c.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	msg.IsDeleted = true
	msg.DeletedAt = domain.NowMillis()
	c.writeDocument(ctx, msg)
	if _, err := c.queue.Enqueue(ctx, domain.OpDeleteMessage, domain.DeleteMessagePayload{
		MessageID: messageID,
		DeletedAt: msg.DeletedAt,
	}); err != nil {
		c.log.WithError(err).WithField("messageId", messageID).Error("failed to enqueue message deletion")
	}
	if c.bus != nil {
		c.bus.BroadcastMessageSync(ctx, domain.OpUpdateMessage, msg)
	}
	return nil
}

// WarmCacheForRoom loads the most recent messages for the room into the hot
// tier. Returns the number cached.
func (c *MessageCache) WarmCacheForRoom(ctx context.Context, roomID string, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	msgs, err := c.store.ListByRoom(ctx, roomID, 0, int64(limit))
	if err != nil {
		return 0, err
	}
	cached := 0
	for _, msg := range msgs {
		if err := c.hot.JSONSet(ctx, MessageKey(msg.ID), "$", msg); err == nil {
			cached++
		}
	}
	return cached, nil
}

// WarmAllActiveRooms warms every room with activity inside the 24 h window.
func (c *MessageCache) WarmAllActiveRooms(ctx context.Context) (int, error) {
	since := domain.NowMillis() - warmWindow.Milliseconds()
	roomIDs, err := c.store.ActiveRoomIDs(ctx, since)
	if err != nil {
		return 0, err
	}
	warmed := 0
	for _, roomID := range roomIDs {
		if _, err := c.WarmCacheForRoom(ctx, roomID, DefaultPageLimit); err != nil {
			c.log.WithError(err).WithField("roomId", roomID).Warn("failed to warm room messages")
			continue
		}
		warmed++
	}
	c.log.WithField("rooms", warmed).Info("message cache warmed for active rooms")
	return warmed, nil
}

// ApplyRemote caches a document received from a peer instance. When the key
// already exists only updates overwrite it, so a local newer write is not
// clobbered by a slow CREATE broadcast.
func (c *MessageCache) ApplyRemote(ctx context.Context, op domain.SyncOp, msg *domain.Message) {
	key := MessageKey(msg.ID)
	exists, err := c.hot.Exists(ctx, key)
	if err != nil {
		return
	}
	switch op {
	case domain.OpCreateMessage:
		if !exists {
			c.writeDocument(ctx, msg)
		}
	default:
		if exists {
			c.writeDocument(ctx, msg)
		}
	}
}

// setField writes one sub-document; backends without path addressing get the
// full document instead.
func (c *MessageCache) setField(ctx context.Context, msg *domain.Message, path string, value interface{}) {
	err := c.hot.JSONSet(ctx, MessageKey(msg.ID), path, value)
	if hottier.IsUnsupported(err) {
		err = c.hot.JSONSet(ctx, MessageKey(msg.ID), "$", msg)
	}
	if err != nil {
		c.log.WithError(err).WithField("messageId", msg.ID).Warn("message field update failed on hot tier")
	}
}

func (c *MessageCache) writeDocument(ctx context.Context, msg *domain.Message) {
	if err := c.hot.JSONSet(ctx, MessageKey(msg.ID), "$", msg); err != nil {
		c.log.WithError(err).WithField("messageId", msg.ID).Warn("message write to hot tier failed")
	}
}

func reverse(msgs []*domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
