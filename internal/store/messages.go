package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
)

// MessageRepo is the messages collection. All writes are shaped so that the
// at-least-once sync worker can apply the same event twice without changing
// the outcome.
type MessageRepo struct {
	coll *mongo.Collection
}

// Upsert writes the full message document keyed by id. Applying the same
// create twice is a no-op.
func (m *MessageRepo) Upsert(ctx context.Context, msg *domain.Message) error {
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": msg.ID}, msg, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("store: upsert message: %w", err)
	}
	return nil
}

// Insert writes a new message; a duplicate key is treated as success.
func (m *MessageRepo) Insert(ctx context.Context, msg *domain.Message) error {
	if _, err := m.coll.InsertOne(ctx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// Get loads one message, deleted or not.
func (m *MessageRepo) Get(ctx context.Context, id string) (*domain.Message, error) {
	var msg domain.Message
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return &msg, nil
}

// SetFields applies a partial $set update.
func (m *MessageRepo) SetFields(ctx context.Context, id string, fields map[string]interface{}) error {
	fields["updatedAt"] = domain.NowMillis()
	_, err := m.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("store: update message: %w", err)
	}
	return nil
}

// PushReaderIfAbsent appends a read receipt only when the user has none yet.
func (m *MessageRepo) PushReaderIfAbsent(ctx context.Context, id string, reader domain.Reader) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id, "readers.userId": bson.M{"$ne": reader.UserID}},
		bson.M{
			"$push": bson.M{"readers": reader},
			"$set":  bson.M{"updatedAt": domain.NowMillis()},
		})
	if err != nil {
		return fmt.Errorf("store: push reader: %w", err)
	}
	return nil
}

// AddReactionUser adds the user to the emoji set.
func (m *MessageRepo) AddReactionUser(ctx context.Context, id, emoji, userID string) error {
	field := "reactions." + emoji
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$addToSet": bson.M{field: userID},
			"$set":      bson.M{"updatedAt": domain.NowMillis()},
		})
	if err != nil {
		return fmt.Errorf("store: add reaction: %w", err)
	}
	return nil
}

// RemoveReactionUser pulls the user from the emoji set and drops the key
// when the set empties.
func (m *MessageRepo) RemoveReactionUser(ctx context.Context, id, emoji, userID string) error {
	field := "reactions." + emoji
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$pull": bson.M{field: userID},
			"$set":  bson.M{"updatedAt": domain.NowMillis()},
		})
	if err != nil {
		return fmt.Errorf("store: remove reaction: %w", err)
	}
	_, err = m.coll.UpdateOne(ctx,
		bson.M{"_id": id, field: bson.M{"$size": 0}},
		bson.M{"$unset": bson.M{field: ""}})
	if err != nil {
		return fmt.Errorf("store: prune reaction: %w", err)
	}
	return nil
}

// SoftDelete marks the message deleted; the document is retained.
func (m *MessageRepo) SoftDelete(ctx context.Context, id string, deletedAt int64) error {
	_, err := m.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"isDeleted": true,
		"deletedAt": deletedAt,
		"updatedAt": domain.NowMillis(),
	}})
	if err != nil {
		return fmt.Errorf("store: soft delete message: %w", err)
	}
	return nil
}

// ListByRoom returns up to limit non-deleted messages for the room, newest
// first, older than before when before > 0.
func (m *MessageRepo) ListByRoom(ctx context.Context, roomID string, before int64, limit int64) ([]*domain.Message, error) {
	filter := bson.M{"room": roomID, "isDeleted": false}
	if before > 0 {
		filter["timestamp"] = bson.M{"$lt": before}
	}
	cursor, err := m.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer cursor.Close(ctx)
	var msgs []*domain.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("store: decode messages: %w", err)
	}
	return msgs, nil
}

// FindByFileName resolves the message owning an uploaded file.
func (m *MessageRepo) FindByFileName(ctx context.Context, filename string) (*domain.Message, error) {
	var msg domain.Message
	err := m.coll.FindOne(ctx, bson.M{"file.filename": filename}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find by filename: %w", err)
	}
	return &msg, nil
}

// RecentForeign returns messages newer than since that were created on a
// different instance, for the replication initial sync.
func (m *MessageRepo) RecentForeign(ctx context.Context, since int64, selfInstance string) ([]*domain.Message, error) {
	cursor, err := m.coll.Find(ctx, bson.M{
		"timestamp":  bson.M{"$gte": since},
		"instanceId": bson.M{"$ne": selfInstance},
	})
	if err != nil {
		return nil, fmt.Errorf("store: recent foreign messages: %w", err)
	}
	defer cursor.Close(ctx)
	var msgs []*domain.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("store: decode messages: %w", err)
	}
	return msgs, nil
}

// ActiveRoomIDs returns ids of rooms with at least one message since the
// given timestamp, used to warm the message cache.
func (m *MessageRepo) ActiveRoomIDs(ctx context.Context, since int64) ([]string, error) {
	raw, err := m.coll.Distinct(ctx, "room", bson.M{"timestamp": bson.M{"$gte": since}})
	if err != nil {
		return nil, fmt.Errorf("store: active rooms: %w", err)
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}
