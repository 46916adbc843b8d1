// Package mongo implements repository.CredentialStore on MongoDB.
//
// LAYOUT:
// One document per user, _id = uid, with the session records embedded as
// an array. Every mutation is a single-document update, which MongoDB
// applies atomically, so concurrent logins on different devices never need
// an application lock.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/sakif/authcore/internal/repository"
)

var _ repository.CredentialStore = (*Store)(nil)

// Config selects the deployment and database.
type Config struct {
	URI        string
	Database   string
	Collection string // defaults to "users"
}

// Store is the MongoDB credential store. The client holds the connection
// pool and is shared by every request.
type Store struct {
	client *mongo.Client
	users  *mongo.Collection
	hasher repository.TokenHasher
	now    func() time.Time
}

// New connects, verifies the connection and ensures indexes.
func New(ctx context.Context, cfg Config, hasher repository.TokenHasher) (*Store, error) {
	if hasher == nil {
		return nil, errors.New("mongo: token hasher is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "users"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo: connecting: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	s := &Store{
		client: client,
		users:  client.Database(cfg.Database).Collection(cfg.Collection),
		hasher: hasher,
		now:    time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// ensureIndexes creates the unique email index and the sweep index.
// CreateMany is a no-op for indexes that already exist.
func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("email_unique"),
		},
		{
			Keys:    bson.D{{Key: "sessions.expiresAt", Value: 1}},
			Options: options.Index().SetName("sessions_expires_at"),
		},
	})
	if err != nil {
		return fmt.Errorf("mongo: creating indexes: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("mongo: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
