// Package store is the durable tier: mongo collections for rooms, messages
// and users. Every mutation is written as an upsert or a guarded update so
// the at-least-once sync pipeline can replay events safely.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collRooms    = "rooms"
	collMessages = "messages"
	collUsers    = "users"

	defaultDatabase = "bootcampchat"
)

// Store owns the mongo client and exposes the per-collection repositories.
type Store struct {
	client *mongo.Client
	db     *mongo.Database

	Rooms    *RoomRepo
	Messages *MessageRepo
	Users    *UserRepo

	log *logrus.Logger
}

// Connect opens the mongo connection and ensures the indexes the cache
// services and the replication filter rely on.
func Connect(ctx context.Context, uri string, log *logrus.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	db := client.Database(databaseName(uri))
	s := &Store{client: client, db: db, log: log}
	s.Rooms = &RoomRepo{coll: db.Collection(collRooms)}
	s.Messages = &MessageRepo{coll: db.Collection(collMessages)}
	s.Users = &UserRepo{coll: db.Collection(collUsers)}

	if err := s.ensureIndexes(ctx); err != nil {
		log.WithError(err).Warn("failed to ensure mongo indexes")
	}
	return s, nil
}

// NewWithDatabase wraps an existing client, used by the replication plane for
// peer connections and by tests.
func NewWithDatabase(client *mongo.Client, database string, log *logrus.Logger) *Store {
	db := client.Database(database)
	return &Store{
		client:   client,
		db:       db,
		Rooms:    &RoomRepo{coll: db.Collection(collRooms)},
		Messages: &MessageRepo{coll: db.Collection(collMessages)},
		Users:    &UserRepo{coll: db.Collection(collUsers)},
		log:      log,
	}
}

func databaseName(uri string) string {
	// mongodb://host:port/dbname?opts — fall back to the default when the
	// path segment is absent.
	trimmed := uri
	if i := strings.Index(trimmed, "://"); i >= 0 {
		trimmed = trimmed[i+3:]
	}
	if i := strings.Index(trimmed, "/"); i >= 0 {
		name := trimmed[i+1:]
		if j := strings.Index(name, "?"); j >= 0 {
			name = name[:j]
		}
		if name != "" {
			return name
		}
	}
	return defaultDatabase
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.Messages.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "readers.userId", Value: 1}}},
		{Keys: bson.D{{Key: "file.filename", Value: 1}}},
		{Keys: bson.D{{Key: "instanceId", Value: 1}, {Key: "timestamp", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.Rooms.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	})
	return err
}

// Client exposes the underlying mongo client for the replication watcher.
func (s *Store) Client() *mongo.Client { return s.client }

// Database returns the database name in use.
func (s *Store) Database() string { return s.db.Name() }

// Healthy reports whether the durable tier answers a ping.
func (s *Store) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx, nil) == nil
}

// Close disconnects from the durable tier.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
