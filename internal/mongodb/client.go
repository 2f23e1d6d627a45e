package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tbrd/green-home-search/config"
)

// Client wraps MongoDB client with additional functionality
type Client struct {
	client     *mongo.Client
	database   string
	collection string
	batchSize  int32
	timeout    time.Duration
}

// NewClient creates a new MongoDB client
func NewClient(ctx context.Context, cfg config.MongoDBConfig) (*Client, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(cfg.GetMongoURI())

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the database to verify connection
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client:     client,
		database:   cfg.Database,
		collection: cfg.Collection,
		batchSize:  int32(cfg.BatchSize),
		timeout:    timeout,
	}, nil
}

// Disconnect closes the MongoDB connection
func (c *Client) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.client.Disconnect(ctx)
}

// Collection returns the listing feed collection
func (c *Client) Collection() *mongo.Collection {
	return c.client.Database(c.database).Collection(c.collection)
}

// CountDocuments returns the number of feed documents matching the filter
func (c *Client) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	count, err := c.Collection().CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}

	return count, nil
}

// find opens a cursor over the feed in _id order
func (c *Client) find(ctx context.Context, filter bson.M) (*mongo.Cursor, error) {
	if filter == nil {
		filter = bson.M{}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if c.batchSize > 0 {
		opts.SetBatchSize(c.batchSize)
	}
	// Enrichment can stall on the store for longer than the server's idle timeout
	opts.SetNoCursorTimeout(true)

	cursor, err := c.Collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find documents: %w", err)
	}
	return cursor, nil
}
