package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikey/pr-ingest/internal/core"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type mongoObject struct {
	Key       string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	CreatedAt time.Time `bson:"created_at"`
}

// MongoStore is an ObjectStore on a MongoDB collection keyed by _id
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoStore connects to uri and uses database.collection
func NewMongoStore(ctx context.Context, uri, database, collection string, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger,
	}, nil
}

// PutIfAbsent inserts the object; the _id index rejects duplicates
func (s *MongoStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	_, err := s.collection.InsertOne(ctx, mongoObject{Key: key, Data: data, CreatedAt: time.Now().UTC()})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return core.ErrObjectExists
		}
		return classifyMongoError(err)
	}

	s.logger.Debug("Object inserted", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

// Get loads the object at key
func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, error) {
	var obj mongoObject
	if err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&obj); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, core.ErrObjectNotFound
		}
		return nil, classifyMongoError(err)
	}
	return obj.Data, nil
}

// Close disconnects the client
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func classifyMongoError(err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("mongodb unavailable: %w: %w", core.ErrTransient, err)
	}
	return fmt.Errorf("mongodb request failed: %w", err)
}
