package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/org/datagate/pkg/models"
)

const (
	apiKeysCollection    = "api_keys"
	accessLogsCollection = "access_logs"
)

// MongoBackend implements KeyStore and AuditStore on a MongoDB database.
type MongoBackend struct {
	client     *mongo.Client
	apiKeys    *mongo.Collection
	accessLogs *mongo.Collection
}

// NewMongoBackend connects to MongoDB and returns a ready backend.
func NewMongoBackend(ctx context.Context, uri, db string) (*MongoBackend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}
	d := client.Database(db)
	return &MongoBackend{
		client:     client,
		apiKeys:    d.Collection(apiKeysCollection),
		accessLogs: d.Collection(accessLogsCollection),
	}, nil
}

// Close disconnects the underlying client.
func (m *MongoBackend) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// --- KeyStore ---

func (m *MongoBackend) CreateKey(ctx context.Context, key *models.APIKey) error {
	_, err := m.apiKeys.InsertOne(ctx, key)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

func (m *MongoBackend) FindByToken(ctx context.Context, token string, now time.Time) (*models.APIKey, error) {
	filter := bson.M{
		"api_key": token,
		"$or": bson.A{
			bson.M{"expiration_date": nil},
			bson.M{"expiration_date": bson.M{"$gt": now}},
		},
	}
	var key models.APIKey
	if err := m.apiKeys.FindOne(ctx, filter).Decode(&key); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &key, nil
}

func (m *MongoBackend) IncrementUsage(ctx context.Context, token string, now time.Time) error {
	// $inc is atomic server-side; concurrent requests on the same key
	// never lose updates.
	_, err := m.apiKeys.UpdateOne(ctx,
		bson.M{"api_key": token},
		bson.M{
			"$inc": bson.M{"usages": 1},
			"$set": bson.M{"last_used": now},
		},
	)
	return err
}

// --- AuditStore ---

func (m *MongoBackend) InsertAccessLogs(ctx context.Context, entries []models.AccessLog) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]interface{}, len(entries))
	for i := range entries {
		docs[i] = entries[i]
	}
	// Unordered: one bad document does not block insertion of the rest.
	_, err := m.accessLogs.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return err
}

func (m *MongoBackend) QueryAccessLogs(ctx context.Context, filter AccessLogFilter) ([]models.AccessLog, error) {
	q := bson.M{}
	if filter.Endpoint != "" {
		q["endpoint"] = bson.M{"$regex": "^" + filter.Endpoint}
	}
	if filter.APIKey != "" {
		q["api_key"] = filter.APIKey
	}
	if filter.Since != nil {
		q["timestamp"] = bson.M{"$gte": *filter.Since}
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := m.accessLogs.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var entries []models.AccessLog
	if err := cur.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
