package store

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
)

// UserRepo is the users collection. Accounts are created externally; the
// core only reads them and propagates profile-image updates.
type UserRepo struct {
	coll *mongo.Collection
}

// Get loads one user.
func (u *UserRepo) Get(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := u.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &user, nil
}

// UpdateProfileImage stores a new profile-image URL.
func (u *UserRepo) UpdateProfileImage(ctx context.Context, id, url string) error {
	_, err := u.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"profileImage": url,
		"updatedAt":    domain.NowMillis(),
	}})
	if err != nil {
		return fmt.Errorf("store: update profile image: %w", err)
	}
	return nil
}

// Upsert replaces the full user document, used by replication.
func (u *UserRepo) Upsert(ctx context.Context, user *domain.User) error {
	_, err := u.coll.ReplaceOne(ctx, bson.M{"_id": user.ID}, user, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	return nil
}
