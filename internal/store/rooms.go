package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
)

// ErrNotFound is returned when a document is absent from the durable tier.
var ErrNotFound = errors.New("store: not found")

// RoomRepo is the rooms collection.
type RoomRepo struct {
	coll *mongo.Collection
}

// RoomFilter narrows and orders a room listing.
type RoomFilter struct {
	Search      string
	HasPassword *bool
	SortField   string // createdAt, name or participantsCount
	SortDesc    bool
	Skip        int64
	Limit       int64
}

// Insert writes a new room document.
func (r *RoomRepo) Insert(ctx context.Context, room *domain.Room) error {
	if _, err := r.coll.InsertOne(ctx, room); err != nil {
		return fmt.Errorf("store: insert room: %w", err)
	}
	return nil
}

// Get loads a room by id, including the stored password.
func (r *RoomRepo) Get(ctx context.Context, id string) (*domain.Room, error) {
	var room domain.Room
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&room)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get room: %w", err)
	}
	return &room, nil
}

// List returns one page of rooms plus the total match count.
func (r *RoomRepo) List(ctx context.Context, f RoomFilter) ([]*domain.Room, int64, error) {
	filter := bson.M{}
	if f.Search != "" {
		filter["name"] = bson.M{"$regex": f.Search, "$options": "i"}
	}
	if f.HasPassword != nil {
		filter["hasPassword"] = *f.HasPassword
	}

	total, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("store: count rooms: %w", err)
	}

	order := 1
	if f.SortDesc {
		order = -1
	}
	sortField := f.SortField
	if sortField == "" {
		sortField = "createdAt"
	}

	cursor, err := r.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: sortField, Value: order}}).
		SetSkip(f.Skip).
		SetLimit(f.Limit))
	if err != nil {
		return nil, 0, fmt.Errorf("store: list rooms: %w", err)
	}
	defer cursor.Close(ctx)

	var rooms []*domain.Room
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, 0, fmt.Errorf("store: decode rooms: %w", err)
	}
	return rooms, total, nil
}

// All streams every room, used to warm the hot tier at startup.
func (r *RoomRepo) All(ctx context.Context) ([]*domain.Room, error) {
	cursor, err := r.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("store: all rooms: %w", err)
	}
	defer cursor.Close(ctx)
	var rooms []*domain.Room
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, fmt.Errorf("store: decode rooms: %w", err)
	}
	return rooms, nil
}

// AddParticipant appends the user to the participant set if absent and
// returns the updated room. The $ne guard keeps ids unique under retries.
func (r *RoomRepo) AddParticipant(ctx context.Context, roomID string, user domain.UserRef) (*domain.Room, error) {
	after := options.After
	var room domain.Room
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": roomID, "participants._id": bson.M{"$ne": user.ID}},
		bson.M{
			"$push": bson.M{"participants": user},
			"$inc":  bson.M{"participantsCount": 1},
			"$set":  bson.M{"updatedAt": domain.NowMillis()},
		},
		options.FindOneAndUpdate().SetReturnDocument(after),
	).Decode(&room)
	if err == mongo.ErrNoDocuments {
		// Already a participant (or the room is gone); reload to distinguish.
		return r.Get(ctx, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: add participant: %w", err)
	}
	return &room, nil
}

// RemoveParticipant drops the user from the participant set and returns the
// updated room.
func (r *RoomRepo) RemoveParticipant(ctx context.Context, roomID, userID string) (*domain.Room, error) {
	after := options.After
	var room domain.Room
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": roomID, "participants._id": userID},
		bson.M{
			"$pull": bson.M{"participants": bson.M{"_id": userID}},
			"$inc":  bson.M{"participantsCount": -1},
			"$set":  bson.M{"updatedAt": domain.NowMillis()},
		},
		options.FindOneAndUpdate().SetReturnDocument(after),
	).Decode(&room)
	if err == mongo.ErrNoDocuments {
		return r.Get(ctx, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: remove participant: %w", err)
	}
	return &room, nil
}

// Upsert replaces the full room document, used by replication.
func (r *RoomRepo) Upsert(ctx context.Context, room *domain.Room) error {
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": room.ID}, room, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store: upsert room: %w", err)
	}
	return nil
}

// Delete removes the room document. Messages are retained.
func (r *RoomRepo) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("store: delete room: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
