// Package mongo implements a MongoDB-backed session store. Each session is a
// single document holding the message history array and the metadata map, so
// a run's append is one atomic $push.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	driver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/maestro/model"
	"goa.design/maestro/session"
)

// Store persists sessions in a MongoDB collection. Safe for concurrent use.
type Store struct {
	coll *driver.Collection
}

var _ session.Store = (*Store)(nil)

type sessionDoc struct {
	ID       string            `bson:"_id"`
	History  []*model.Message  `bson:"history"`
	Metadata map[string]string `bson:"metadata,omitempty"`
}

// New wraps a collection as a session store.
func New(coll *driver.Collection) *Store {
	return &Store{coll: coll}
}

// History implements session.Store.
func (s *Store) History(ctx context.Context, sessionID string) ([]*model.Message, error) {
	var doc sessionDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if errors.Is(err, driver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return doc.History, nil
}

// Append implements session.Store.
func (s *Store) Append(ctx context.Context, sessionID string, msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": sessionID},
		bson.M{"$push": bson.M{"history": bson.M{"$each": msgs}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return nil
}

// Clear implements session.Store.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": sessionID}); err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return nil
}

// Metadata implements session.Store.
func (s *Store) Metadata(ctx context.Context, sessionID string) (map[string]string, error) {
	var doc sessionDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": sessionID},
		options.FindOne().SetProjection(bson.M{"metadata": 1})).Decode(&doc)
	if errors.Is(err, driver.ErrNoDocuments) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	return doc.Metadata, nil
}

// UpdateMetadata implements session.Store.
func (s *Store) UpdateMetadata(ctx context.Context, sessionID string, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	set := bson.M{}
	unset := bson.M{}
	for k, v := range entries {
		if v == "" {
			unset["metadata."+k] = ""
			continue
		}
		set["metadata."+k] = v
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": sessionID}, update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	return nil
}
