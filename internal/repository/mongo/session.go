package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
)

// literal stops aggregation from reading a "$..." string as a field path.
// User agents come from the client, so every string value is wrapped.
func literal(v any) bson.M {
	return bson.M{"$literal": v}
}

// AddSession appends a record and drops the user's expired ones in a single
// pipeline update.
//
// WHY A PIPELINE?
// A classic update cannot $pull and $push the same array in one operation.
// The pipeline rebuilds the array as filter(live) ++ [new], so the prune,
// the append and the lastSeen bump are applied as one atomic document
// write.
func (s *Store) AddSession(ctx context.Context, uid, rawToken string, ns repository.NewSession) error {
	now := s.now()
	record := bson.M{
		"tokenHash": literal(s.hasher.Hash(rawToken)),
		"sessionId": literal(ns.SessionID),
		"issuedAt":  ns.IssuedAt,
		"expiresAt": ns.ExpiresAt,
		"userAgent": literal(ns.UserAgent),
		"ip":        literal(ns.IP),
	}

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"sessions": bson.M{"$concatArrays": bson.A{
				bson.M{"$filter": bson.M{
					"input": bson.M{"$ifNull": bson.A{"$sessions", bson.A{}}},
					"cond":  bson.M{"$gt": bson.A{"$$this.expiresAt", now}},
				}},
				bson.A{record},
			}},
			"lastSeen": now,
		}}},
	}

	res, err := s.users.UpdateOne(ctx, bson.M{"_id": uid}, pipeline)
	if err != nil {
		return fmt.Errorf("mongo: adding session for %s: %w", uid, err)
	}
	if res.MatchedCount == 0 {
		return apperror.NotFound("user", uid)
	}
	return nil
}

func (s *Store) RemoveSession(ctx context.Context, uid, rawToken string) error {
	_, err := s.users.UpdateOne(ctx,
		bson.M{"_id": uid},
		bson.M{"$pull": bson.M{"sessions": bson.M{"tokenHash": s.hasher.Hash(rawToken)}}},
	)
	if err != nil {
		return fmt.Errorf("mongo: removing session for %s: %w", uid, err)
	}
	return nil
}

func (s *Store) ValidateSession(ctx context.Context, uid, rawToken string) (bool, error) {
	n, err := s.users.CountDocuments(ctx, bson.M{
		"_id": uid,
		"sessions": bson.M{"$elemMatch": bson.M{
			"tokenHash": s.hasher.Hash(rawToken),
			"expiresAt": bson.M{"$gt": s.now()},
		}},
	})
	if err != nil {
		return false, fmt.Errorf("mongo: validating session for %s: %w", uid, err)
	}
	return n > 0, nil
}

type sessionsOnly struct {
	Sessions []model.SessionRecord `bson:"sessions"`
}

func (s *Store) ListSessions(ctx context.Context, uid string) ([]model.SessionRecord, error) {
	var doc sessionsOnly
	err := s.users.FindOne(ctx, bson.M{"_id": uid},
		options.FindOne().SetProjection(bson.M{"sessions": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []model.SessionRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongo: listing sessions for %s: %w", uid, err)
	}

	now := s.now()
	live := make([]model.SessionRecord, 0, len(doc.Sessions))
	for _, rec := range doc.Sessions {
		if !rec.Expired(now) {
			live = append(live, rec)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].IssuedAt.After(live[j].IssuedAt) })
	return live, nil
}

// RemoveAllSessions empties the array and reports how many records it held.
func (s *Store) RemoveAllSessions(ctx context.Context, uid string) (int64, error) {
	var before sessionsOnly
	err := s.users.FindOneAndUpdate(ctx,
		bson.M{"_id": uid},
		bson.M{"$set": bson.M{"sessions": bson.A{}}},
		options.FindOneAndUpdate().
			SetReturnDocument(options.Before).
			SetProjection(bson.M{"sessions": 1}),
	).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mongo: removing sessions for %s: %w", uid, err)
	}
	return int64(len(before.Sessions)), nil
}

// SweepExpired pulls expired records from every user. The count is of
// documents modified, since $pull does not report elements removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now()
	res, err := s.users.UpdateMany(ctx,
		bson.M{"sessions.expiresAt": bson.M{"$lte": now}},
		bson.M{"$pull": bson.M{"sessions": bson.M{"expiresAt": bson.M{"$lte": now}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongo: sweeping sessions: %w", err)
	}
	return res.ModifiedCount, nil
}
