package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoEntry is the persisted document shape.
type mongoEntry struct {
	ID        string     `bson:"_id"`
	Value     string     `bson:"value"`
	ExpiresAt *time.Time `bson:"expiresAt,omitempty"`
}

// MongoStore implements Storage on a MongoDB collection. A TTL index on
// expiresAt reclaims expired documents; because Mongo's TTL sweep is
// minute-granular, reads additionally filter on expiry themselves.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a Mongo-backed store on the given collection and
// ensures the TTL index exists.
func NewMongoStore(ctx context.Context, db *mongo.Database, collection string) (*MongoStore, error) {
	coll := db.Collection(collection)

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TTL index: %w", err)
	}

	return &MongoStore{coll: coll}, nil
}

func (m *MongoStore) live(entry *mongoEntry) bool {
	return entry.ExpiresAt == nil || entry.ExpiresAt.After(time.Now())
}

// Get implements Storage.Get.
func (m *MongoStore) Get(ctx context.Context, key []string) (json.RawMessage, error) {
	joined, err := JoinKey(key)
	if err != nil {
		return nil, err
	}

	var entry mongoEntry
	err = m.coll.FindOne(ctx, bson.M{"_id": joined}).Decode(&entry)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if !m.live(&entry) {
		return nil, nil
	}

	return json.RawMessage(entry.Value), nil
}

// Set implements Storage.Set.
func (m *MongoStore) Set(ctx context.Context, key []string, value any, ttl time.Duration) error {
	joined, err := JoinKey(key)
	if err != nil {
		return err
	}

	data, err := Encode(value)
	if err != nil {
		return err
	}

	entry := mongoEntry{ID: joined, Value: string(data)}
	if ttl > 0 {
		expiresAt := time.Now().Add(ttl)
		entry.ExpiresAt = &expiresAt
	}

	_, err = m.coll.ReplaceOne(ctx, bson.M{"_id": joined}, entry, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	return nil
}

// Remove implements Storage.Remove.
func (m *MongoStore) Remove(ctx context.Context, key []string) error {
	joined, err := JoinKey(key)
	if err != nil {
		return err
	}

	if _, err := m.coll.DeleteOne(ctx, bson.M{"_id": joined}); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	return nil
}

// Scan implements Storage.Scan with an anchored regex over _id, sorted
// by key.
func (m *MongoStore) Scan(ctx context.Context, prefix []string) ([]Entry, error) {
	joined, err := JoinPrefix(prefix)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(joined)}}
	cursor, err := m.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to scan documents: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []Entry
	for cursor.Next(ctx) {
		var entry mongoEntry
		if err := cursor.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		if !m.live(&entry) {
			continue
		}
		entries = append(entries, Entry{
			Key:   SplitKey(entry.ID),
			Value: json.RawMessage(entry.Value),
		})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error during scan: %w", err)
	}

	return entries, nil
}
