package persistence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a Port backed by MongoDB.
//
// Records live in one collection keyed by _id; log entries live in a
// second collection ordered by a per-store sequence.
type MongoStore struct {
	records *mongo.Collection
	logs    *mongo.Collection
}

var (
	_ Port    = (*MongoStore)(nil)
	_ Scanner = (*MongoStore)(nil)
	_ Deleter = (*MongoStore)(nil)
)

type mongoRecordDoc struct {
	Key       string    `bson:"_id"`
	Version   int64     `bson:"version"`
	Data      []byte    `bson:"data,omitempty"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type mongoLogDoc struct {
	LogKey string    `bson:"log_key"`
	Seq    int64     `bson:"seq"`
	Entry  []byte    `bson:"entry"`
	At     time.Time `bson:"at"`
}

// NewMongoStore creates a Mongo-backed store.
// dbName defaults to "stagewise" if empty.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "stagewise"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		records: db.Collection("records"),
		logs:    db.Collection("log_entries"),
	}

	_, err := s.logs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "log_key", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("stagewise/mongo: create index: %w", err)
	}
	return s, nil
}

func (s *MongoStore) Get(ctx context.Context, key string) (Record, error) {
	var doc mongoRecordDoc
	err := s.records.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("stagewise/mongo: get %s: %w", key, err)
	}
	return doc.record(), nil
}

func (d mongoRecordDoc) record() Record {
	return Record{
		Key:       d.Key,
		Version:   d.Version,
		Data:      d.Data,
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func (s *MongoStore) PutIfVersion(ctx context.Context, key string, data []byte, expected int64) (bool, error) {
	now := time.Now().UTC()

	if expected == NoVersion {
		_, err := s.records.InsertOne(ctx, mongoRecordDoc{
			Key:       key,
			Version:   0,
			Data:      data,
			UpdatedAt: now,
		})
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("stagewise/mongo: put %s: %w", key, err)
		}
		return true, nil
	}

	res, err := s.records.UpdateOne(ctx,
		bson.M{"_id": key, "version": expected},
		bson.M{
			"$set": bson.M{"data": data, "updated_at": now},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return false, fmt.Errorf("stagewise/mongo: put %s: %w", key, err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) Append(ctx context.Context, logKey string, entry []byte) error {
	// Nanosecond timestamps order entries; a single driver appends to a
	// given log at a time.
	_, err := s.logs.InsertOne(ctx, mongoLogDoc{
		LogKey: logKey,
		Seq:    time.Now().UnixNano(),
		Entry:  entry,
		At:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("stagewise/mongo: append %s: %w", logKey, err)
	}
	return nil
}

func (s *MongoStore) Entries(ctx context.Context, logKey string) ([][]byte, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.logs.Find(ctx, bson.M{"log_key": logKey}, opts)
	if err != nil {
		return nil, fmt.Errorf("stagewise/mongo: entries %s: %w", logKey, err)
	}
	defer cur.Close(ctx)

	var out [][]byte
	for cur.Next(ctx) {
		var doc mongoLogDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.Entry)
	}
	return out, cur.Err()
}

func (s *MongoStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("stagewise/mongo: scan %s: %w", prefix, err)
	}
	defer cur.Close(ctx)

	var records []Record
	for cur.Next(ctx) {
		var doc mongoRecordDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, doc.record())
	}
	return records, cur.Err()
}

func (s *MongoStore) Delete(ctx context.Context, key string) error {
	if _, err := s.records.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("stagewise/mongo: delete %s: %w", key, err)
	}
	if _, err := s.logs.DeleteMany(ctx, bson.M{"log_key": key}); err != nil {
		return fmt.Errorf("stagewise/mongo: delete %s: %w", key, err)
	}
	return nil
}
