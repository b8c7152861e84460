// Package chatstore persists chat history, summary blocks, and suspended
// graph checkpoints in MongoDB, the external durable store named by
// spec.md §6.4, modeled on the connection/pool-option handling of the
// retrieved corpus's MongoDB connector.
package chatstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Config holds MongoDB connection parameters.
type Config struct {
	URI            string
	Database       string
	MaxPoolSize    uint64
	MinPoolSize    uint64
	ConnectTimeout time.Duration
}

// DefaultConfig mirrors the corpus's MongoDB connector defaults.
func DefaultConfig(uri, database string) Config {
	return Config{
		URI:            uri,
		Database:       database,
		MaxPoolSize:    100,
		MinPoolSize:    10,
		ConnectTimeout: 10 * time.Second,
	}
}

// Client wraps a connected Mongo client and the chatstore database handle.
type Client struct {
	mongo *mongo.Client
	db    *mongo.Database
}

// NewClient connects to MongoDB with connection pooling and verifies
// connectivity with a ping.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	if cfg.MinPoolSize > 0 {
		opts.SetMinPoolSize(cfg.MinPoolSize)
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	opts.SetConnectTimeout(connectTimeout)
	opts.SetRetryWrites(true)
	opts.SetRetryReads(true)
	opts.SetAppName("jervis-orchestration")

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	return &Client{mongo: client, db: client.Database(cfg.Database)}, nil
}

// Close disconnects the underlying Mongo client.
func (c *Client) Close(ctx context.Context) error {
	return c.mongo.Disconnect(ctx)
}

// Database returns the chatstore's database handle for collection access.
func (c *Client) Database() *mongo.Database {
	return c.db
}

// nextSequence atomically allocates the next per-thread sequence number
// using a counters collection, so concurrent writers to the same thread
// never collide on the (thread_id, sequence) unique index.
func nextSequence(ctx context.Context, db *mongo.Database, threadID string) (int, error) {
	var result struct {
		Seq int `bson:"seq"`
	}
	err := db.Collection("chat_sequence_counters").FindOneAndUpdate(
		ctx,
		map[string]any{"_id": threadID},
		map[string]any{"$inc": map[string]any{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&result)
	if err != nil {
		return 0, fmt.Errorf("allocating sequence for thread %s: %w", threadID, err)
	}
	return result.Seq, nil
}
