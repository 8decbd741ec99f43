package inspect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
)

// ErrDatabaseRequired is returned when no MongoDB database is provided.
var ErrDatabaseRequired = errors.New("mongodb database is required")

// mongoEntry is the entry document shape in MongoDB.
type mongoEntry struct {
	ID          string    `bson:"entry_id"`
	Kind        string    `bson:"kind"`
	Container   string    `bson:"container"`
	Router      string    `bson:"router,omitempty"`
	PayloadType string    `bson:"payload_type,omitempty"`
	Payload     any       `bson:"payload,omitempty"`
	Time        time.Time `bson:"time"`
}

func fromEntry(e *Entry) *mongoEntry {
	return &mongoEntry{
		ID:          e.ID,
		Kind:        string(e.Kind),
		Container:   e.Container,
		Router:      e.Router,
		PayloadType: e.PayloadType,
		Payload:     e.Payload,
		Time:        e.Time,
	}
}

func (m *mongoEntry) toEntry() *Entry {
	return &Entry{
		ID:          m.ID,
		Kind:        Kind(m.Kind),
		Container:   m.Container,
		Router:      m.Router,
		PayloadType: m.PayloadType,
		Payload:     m.Payload,
		Time:        m.Time,
	}
}

// Filter narrows a MongoSink.List query. Zero fields match everything.
type Filter struct {
	Container string
	Kinds     []Kind
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// DefaultListLimit bounds List when Filter.Limit is zero.
const DefaultListLimit = 100

// MongoSink persists entries to a MongoDB collection.
type MongoSink struct {
	collection *mongo.Collection
}

// NewMongoSink creates a sink over a pre-initialized MongoDB database.
//
// Example:
//
//	client, _ := mongo.Connect(ctx, mongooptions.Client().ApplyURI("mongodb://localhost:27017"))
//	sink, _ := inspect.NewMongoSink(client.Database("mydb"))
func NewMongoSink(db *mongo.Database, opts ...Option) (*MongoSink, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}
	o := newOptions(opts...)
	return &MongoSink{
		collection: db.Collection(o.collection),
	}, nil
}

// Collection returns the underlying MongoDB collection.
func (s *MongoSink) Collection() *mongo.Collection {
	return s.collection
}

// Indexes returns the recommended indexes for the entry collection.
func (s *MongoSink) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "container", Value: 1}, {Key: "time", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}}},
		{Keys: bson.D{{Key: "time", Value: 1}}},
	}
}

// EnsureIndexes creates the recommended indexes.
func (s *MongoSink) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Record inserts one entry document.
func (s *MongoSink) Record(ctx context.Context, e *Entry) error {
	if _, err := s.collection.InsertOne(ctx, fromEntry(e)); err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter, ordered by time ascending.
func (s *MongoSink) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	mongoFilter := bson.M{}
	if filter.Container != "" {
		mongoFilter["container"] = filter.Container
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		mongoFilter["kind"] = bson.M{"$in": kinds}
	}
	timeFilter := bson.M{}
	if !filter.StartTime.IsZero() {
		timeFilter["$gte"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		timeFilter["$lt"] = filter.EndTime
	}
	if len(timeFilter) > 0 {
		mongoFilter["time"] = timeFilter
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	findOpts := mongooptions.Find().
		SetSort(bson.D{{Key: "time", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, mongoFilter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*Entry
	for cursor.Next(ctx) {
		var doc mongoEntry
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, doc.toEntry())
	}
	return entries, cursor.Err()
}

// Count returns the number of entries matching the filter's container and
// kinds.
func (s *MongoSink) Count(ctx context.Context, filter Filter) (int64, error) {
	mongoFilter := bson.M{}
	if filter.Container != "" {
		mongoFilter["container"] = filter.Container
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		mongoFilter["kind"] = bson.M{"$in": kinds}
	}
	return s.collection.CountDocuments(ctx, mongoFilter)
}

// DeleteOlderThan removes entries older than the given age.
func (s *MongoSink) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	result, err := s.collection.DeleteMany(ctx, bson.M{"time": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("delete old entries: %w", err)
	}
	return result.DeletedCount, nil
}

// Compile-time interface check
var _ Sink = (*MongoSink)(nil)
