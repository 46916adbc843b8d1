package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
)

// withoutSessions keeps the embedded array out of profile reads.
var withoutSessions = bson.M{"sessions": 0}

// UpsertUser is one FindOneAndUpdate with upsert. $setOnInsert writes
// createdAt and the empty sessions array only when the document is new.
func (s *Store) UpsertUser(ctx context.Context, id model.Identity) (*model.User, error) {
	now := s.now()
	email := model.NormalizeEmail(id.Email)
	provider := id.Provider
	if !provider.Valid() {
		provider = model.ProviderEmail
	}

	update := bson.M{
		"$set": bson.M{
			"email":    email,
			"name":     id.Name,
			"provider": string(provider),
			"photoURL": id.PhotoURL,
			"lastSeen": now,
		},
		"$setOnInsert": bson.M{
			"createdAt": now,
			"sessions":  bson.A{},
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After).
		SetProjection(withoutSessions)

	var u model.User
	err := s.users.FindOneAndUpdate(ctx, bson.M{"_id": id.UID}, update, opts).Decode(&u)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, apperror.Conflict("user email", email)
		}
		return nil, fmt.Errorf("mongo: upserting user %s: %w", id.UID, err)
	}
	return &u, nil
}

func (s *Store) FindByUID(ctx context.Context, uid string) (*model.User, error) {
	return s.findOne(ctx, bson.M{"_id": uid})
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.findOne(ctx, bson.M{"email": model.NormalizeEmail(email)})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*model.User, error) {
	var u model.User
	err := s.users.FindOne(ctx, filter, options.FindOne().SetProjection(withoutSessions)).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: finding user: %w", err)
	}
	return &u, nil
}

func (s *Store) Touch(ctx context.Context, uid string) error {
	res, err := s.users.UpdateOne(ctx, bson.M{"_id": uid}, bson.M{"$set": bson.M{"lastSeen": s.now()}})
	if err != nil {
		return fmt.Errorf("mongo: touching user %s: %w", uid, err)
	}
	if res.MatchedCount == 0 {
		return apperror.NotFound("user", uid)
	}
	return nil
}
