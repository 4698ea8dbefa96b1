package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: receiver_messages

Document structure:
{
    "_id": string (storage key),
    "message_id": string,
    "correlation_id": string (optional),
    "label": string,
    "comment": string (optional),
    "payload": Binary,
    "received_at": ISODate
}

Indexes:
db.receiver_messages.createIndex({ "message_id": 1 })
db.receiver_messages.createIndex({ "correlation_id": 1 }, { sparse: true })
db.receiver_messages.createIndex({ "label": 1, "received_at": 1 })
*/

// mongoMessage represents a stored message document in MongoDB
type mongoMessage struct {
	Key           string    `bson:"_id"`
	MessageID     string    `bson:"message_id"`
	CorrelationID string    `bson:"correlation_id,omitempty"`
	Label         string    `bson:"label"`
	Comment       string    `bson:"comment,omitempty"`
	Payload       []byte    `bson:"payload"`
	ReceivedAt    time.Time `bson:"received_at"`
}

func (m *mongoMessage) toMessage() *Message {
	return &Message{
		Key:           m.Key,
		MessageID:     m.MessageID,
		CorrelationID: m.CorrelationID,
		Label:         m.Label,
		Comment:       m.Comment,
		Payload:       m.Payload,
		ReceivedAt:    m.ReceivedAt,
	}
}

// MongoStore is a MongoDB-based store
type MongoStore struct {
	collection *mongo.Collection
	label      string
}

// NewMongoStore creates a new MongoDB store for the given label
func NewMongoStore(db *mongo.Database, label string) *MongoStore {
	return &MongoStore{
		collection: db.Collection("receiver_messages"),
		label:      label,
	}
}

// WithCollection sets a custom collection name
func (s *MongoStore) WithCollection(db *mongo.Database, name string) *MongoStore {
	s.collection = db.Collection(name)
	return s
}

// StoreMessage persists a message and returns its storage key
func (s *MongoStore) StoreMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.Key != "" {
		return "", fmt.Errorf("message already stored under key %s", msg.Key)
	}

	label := msg.Label
	if label == "" {
		label = s.label
	}

	doc := &mongoMessage{
		Key:           uuid.New().String(),
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		Label:         label,
		Comment:       msg.Comment,
		Payload:       msg.Payload,
		ReceivedAt:    msg.ReceivedAt,
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("insert: %w", err)
	}
	return doc.Key, nil
}

// GetMessage returns the stored payload for a storage key
func (s *MongoStore) GetMessage(ctx context.Context, key string) ([]byte, error) {
	msg, err := s.BrowseMessage(ctx, key)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// BrowseMessage returns the full stored record without consuming it
func (s *MongoStore) BrowseMessage(ctx context.Context, key string) (*Message, error) {
	var doc mongoMessage
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return doc.toMessage(), nil
}

// DeleteMessage removes a stored message
func (s *MongoStore) DeleteMessage(ctx context.Context, key string) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	return nil
}

// UpdateComment replaces the comment on a stored message
func (s *MongoStore) UpdateComment(ctx context.Context, key, comment string) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"comment": comment}},
	)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	return nil
}

// ContainsMessageID reports whether any stored row carries this message id
func (s *MongoStore) ContainsMessageID(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, bson.M{"message_id": id, "label": s.label})
}

// ContainsCorrelationID reports whether any stored row carries this correlation id
func (s *MongoStore) ContainsCorrelationID(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, bson.M{"correlation_id": id, "label": s.label})
}

func (s *MongoStore) exists(ctx context.Context, filter bson.M) (bool, error) {
	err := s.collection.FindOne(ctx, filter, options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find: %w", err)
	}
	return true, nil
}

// List returns messages matching the filter
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	query := s.buildQuery(filter)

	opts := options.Find().SetSort(bson.M{"received_at": 1})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []*Message
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		messages = append(messages, doc.toMessage())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor: %w", err)
	}
	return messages, nil
}

// Count returns the number of messages matching the filter
func (s *MongoStore) Count(ctx context.Context, filter Filter) (int64, error) {
	count, err := s.collection.CountDocuments(ctx, s.buildQuery(filter))
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

func (s *MongoStore) buildQuery(filter Filter) bson.M {
	query := bson.M{}
	if filter.Label != "" {
		query["label"] = filter.Label
	}
	if filter.MessageID != "" {
		query["message_id"] = filter.MessageID
	}
	if filter.CorrelationID != "" {
		query["correlation_id"] = filter.CorrelationID
	}

	timeRange := bson.M{}
	if !filter.StartTime.IsZero() {
		timeRange["$gte"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		timeRange["$lte"] = filter.EndTime
	}
	if len(timeRange) > 0 {
		query["received_at"] = timeRange
	}
	return query
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
