package nodestore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	defaultMongoCollection = "echohub_nodes"
	defaultMongoDatabase   = "echohub"
)

// validCollectionName matches safe MongoDB collection names.
var validCollectionName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// MongoOption configures a MongoStore.
type MongoOption func(*MongoStore)

// WithCollectionName sets the MongoDB collection name. Default: "echohub_nodes".
func WithCollectionName(name string) MongoOption {
	return func(s *MongoStore) {
		s.collectionName = name
	}
}

// MongoStore implements Store using MongoDB.
type MongoStore struct {
	collection     *mongo.Collection
	collectionName string
	client         *mongo.Client // set only when the store owns the client
}

// NewMongoStore creates a MongoDB-backed store on an existing database.
// Indexes are created on initialization.
func NewMongoStore(ctx context.Context, db *mongo.Database, opts ...MongoOption) (*MongoStore, error) {
	s := &MongoStore{
		collectionName: defaultMongoCollection,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !validCollectionName.MatchString(s.collectionName) {
		return nil, fmt.Errorf("invalid collection name %q: must match [a-zA-Z_][a-zA-Z0-9_]*", s.collectionName)
	}
	s.collection = db.Collection(s.collectionName)

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

// OpenMongo connects to uri and returns a store that disconnects on Close.
// An empty database name selects "echohub".
func OpenMongo(ctx context.Context, uri, database string, opts ...MongoOption) (*MongoStore, error) {
	if database == "" {
		database = defaultMongoDatabase
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s, err := NewMongoStore(ctx, client.Database(database), opts...)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.client = client
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "host", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "online", Value: 1},
				{Key: "last_seen", Value: 1},
			},
		},
	}
	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*Node, error) {
	var node Node
	err := s.collection.FindOne(ctx, filter).Decode(&node)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find node: %w", err)
	}
	fixTimes(&node)
	return &node, nil
}

// GetByHost returns the node registered for host.
func (s *MongoStore) GetByHost(ctx context.Context, host string) (*Node, error) {
	return s.findOne(ctx, bson.M{"host": host})
}

// GetByID returns the node with the given ID.
func (s *MongoStore) GetByID(ctx context.Context, id string) (*Node, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

// List returns all nodes ordered by name.
func (s *MongoStore) List(ctx context.Context) ([]Node, error) {
	return s.find(ctx, "list nodes", bson.M{})
}

// Upsert creates or replaces a node.
func (s *MongoStore) Upsert(ctx context.Context, node Node) (*Node, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	node = normalize(node, time.Now().UTC())

	filter := bson.M{"_id": node.ID}
	update := bson.M{
		"$set": bson.M{
			"name":        node.Name,
			"description": node.Description,
			"host":        node.Host,
			"occupancy":   node.Occupancy,
			"online":      node.Online,
			"last_seen":   node.LastSeen,
		},
		"$setOnInsert": bson.M{
			"created_at": node.CreatedAt,
		},
	}

	// ReturnDocument=After yields the stored created_at for existing nodes.
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var stored Node
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stored)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("upsert node: %w", err)
	}
	fixTimes(&stored)
	return &stored, nil
}

// Delete removes a node by ID.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOnlineStaleSince returns online nodes last seen at or before cutoff.
func (s *MongoStore) ListOnlineStaleSince(ctx context.Context, cutoff time.Time) ([]Node, error) {
	return s.find(ctx, "list stale nodes", bson.M{
		"online":    true,
		"last_seen": bson.M{"$lte": cutoff.UTC()},
	})
}

// ListOfflineOlderThan returns offline nodes last seen at or before cutoff.
func (s *MongoStore) ListOfflineOlderThan(ctx context.Context, cutoff time.Time) ([]Node, error) {
	return s.find(ctx, "list expired nodes", bson.M{
		"online":    false,
		"last_seen": bson.M{"$lte": cutoff.UTC()},
	})
}

func (s *MongoStore) find(ctx context.Context, op string, filter bson.M) ([]Node, error) {
	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}, {Key: "host", Value: 1}})
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	nodes := make([]Node, 0)
	if err := cursor.All(ctx, &nodes); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	for i := range nodes {
		fixTimes(&nodes[i])
	}
	return nodes, nil
}

func fixTimes(n *Node) {
	n.LastSeen = n.LastSeen.UTC()
	n.CreatedAt = n.CreatedAt.UTC()
}

// Close disconnects the client if the store opened it.
func (s *MongoStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
