package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

Uses Redis Hashes and Sets:
- Hash: rcv:msg:{key}          - individual message fields
- Set:  rcv:keys               - all storage keys
- Set:  rcv:by_msgid:{id}      - storage keys per message id
- Set:  rcv:by_corrid:{id}     - storage keys per correlation id
*/

// RedisStore is a Redis-based store. Suitable as an error store or message
// log for deployments that already run Redis and do not need SQL durability.
type RedisStore struct {
	client       redis.Cmdable
	msgPrefix    string
	keysKey      string
	msgIDPrefix  string
	corrIDPrefix string
	label        string
	ttl          time.Duration
}

// NewRedisStore creates a new Redis store for the given label
func NewRedisStore(client redis.Cmdable, label string) *RedisStore {
	return &RedisStore{
		client:       client,
		msgPrefix:    "rcv:msg:",
		keysKey:      "rcv:keys",
		msgIDPrefix:  "rcv:by_msgid:",
		corrIDPrefix: "rcv:by_corrid:",
		label:        label,
	}
}

// WithKeyPrefix sets a custom key prefix
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.msgPrefix = prefix + "msg:"
	s.keysKey = prefix + "keys"
	s.msgIDPrefix = prefix + "by_msgid:"
	s.corrIDPrefix = prefix + "by_corrid:"
	return s
}

// WithTTL sets an expiry on stored messages. Zero means no expiry.
func (s *RedisStore) WithTTL(ttl time.Duration) *RedisStore {
	s.ttl = ttl
	return s
}

// StoreMessage persists a message and returns its storage key
func (s *RedisStore) StoreMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.Key != "" {
		return "", fmt.Errorf("message already stored under key %s", msg.Key)
	}

	key := uuid.New().String()
	label := msg.Label
	if label == "" {
		label = s.label
	}

	fields := map[string]any{
		"message_id":     msg.MessageID,
		"correlation_id": msg.CorrelationID,
		"label":          label,
		"comment":        msg.Comment,
		"payload":        msg.Payload,
		"received_at":    msg.ReceivedAt.UnixNano(),
	}

	msgKey := s.msgPrefix + key
	if err := s.client.HSet(ctx, msgKey, fields).Err(); err != nil {
		return "", fmt.Errorf("hset: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, msgKey, s.ttl)
	}

	s.client.SAdd(ctx, s.keysKey, key)
	if msg.MessageID != "" {
		s.client.SAdd(ctx, s.msgIDPrefix+msg.MessageID, key)
	}
	if msg.CorrelationID != "" {
		s.client.SAdd(ctx, s.corrIDPrefix+msg.CorrelationID, key)
	}

	return key, nil
}

// GetMessage returns the stored payload for a storage key
func (s *RedisStore) GetMessage(ctx context.Context, key string) ([]byte, error) {
	payload, err := s.client.HGet(ctx, s.msgPrefix+key, "payload").Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("hget: %w", err)
	}
	return payload, nil
}

// BrowseMessage returns the full stored record without consuming it
func (s *RedisStore) BrowseMessage(ctx context.Context, key string) (*Message, error) {
	fields, err := s.client.HGetAll(ctx, s.msgPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	return s.fieldsToMessage(key, fields), nil
}

func (s *RedisStore) fieldsToMessage(key string, fields map[string]string) *Message {
	msg := &Message{
		Key:           key,
		MessageID:     fields["message_id"],
		CorrelationID: fields["correlation_id"],
		Label:         fields["label"],
		Comment:       fields["comment"],
		Payload:       []byte(fields["payload"]),
	}
	if ns, err := strconv.ParseInt(fields["received_at"], 10, 64); err == nil {
		msg.ReceivedAt = time.Unix(0, ns)
	}
	return msg
}

// DeleteMessage removes a stored message
func (s *RedisStore) DeleteMessage(ctx context.Context, key string) error {
	msg, err := s.BrowseMessage(ctx, key)
	if err != nil {
		return err
	}

	s.client.Del(ctx, s.msgPrefix+key)
	s.client.SRem(ctx, s.keysKey, key)
	if msg.MessageID != "" {
		s.client.SRem(ctx, s.msgIDPrefix+msg.MessageID, key)
	}
	if msg.CorrelationID != "" {
		s.client.SRem(ctx, s.corrIDPrefix+msg.CorrelationID, key)
	}
	return nil
}

// UpdateComment replaces the comment on a stored message
func (s *RedisStore) UpdateComment(ctx context.Context, key, comment string) error {
	exists, err := s.client.Exists(ctx, s.msgPrefix+key).Result()
	if err != nil {
		return fmt.Errorf("exists: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	if err := s.client.HSet(ctx, s.msgPrefix+key, "comment", comment).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	return nil
}

// ContainsMessageID reports whether any stored row carries this message id
func (s *RedisStore) ContainsMessageID(ctx context.Context, id string) (bool, error) {
	count, err := s.client.SCard(ctx, s.msgIDPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("scard: %w", err)
	}
	return count > 0, nil
}

// ContainsCorrelationID reports whether any stored row carries this correlation id
func (s *RedisStore) ContainsCorrelationID(ctx context.Context, id string) (bool, error) {
	count, err := s.client.SCard(ctx, s.corrIDPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("scard: %w", err)
	}
	return count > 0, nil
}

// List returns messages matching the filter.
// Redis listing loads candidate messages and filters client-side; use the
// SQL or MongoDB stores when large-scale browsing matters.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	keys, err := s.client.SMembers(ctx, s.keysKey).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers: %w", err)
	}

	var messages []*Message
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, s.msgPrefix+key).Result()
		if err != nil || len(fields) == 0 {
			continue // expired or deleted between SMEMBERS and HGETALL
		}
		msg := s.fieldsToMessage(key, fields)
		if s.matches(msg, filter) {
			messages = append(messages, msg)
		}
	}

	start := filter.Offset
	if start >= len(messages) {
		return nil, nil
	}
	end := len(messages)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return messages[start:end], nil
}

// Count returns the number of messages matching the filter
func (s *RedisStore) Count(ctx context.Context, filter Filter) (int64, error) {
	messages, err := s.List(ctx, Filter{
		Label:         filter.Label,
		MessageID:     filter.MessageID,
		CorrelationID: filter.CorrelationID,
		StartTime:     filter.StartTime,
		EndTime:       filter.EndTime,
	})
	if err != nil {
		return 0, err
	}
	return int64(len(messages)), nil
}

func (s *RedisStore) matches(msg *Message, filter Filter) bool {
	if filter.Label != "" && msg.Label != filter.Label {
		return false
	}
	if filter.MessageID != "" && msg.MessageID != filter.MessageID {
		return false
	}
	if filter.CorrelationID != "" && msg.CorrelationID != filter.CorrelationID {
		return false
	}
	if !filter.StartTime.IsZero() && msg.ReceivedAt.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && msg.ReceivedAt.After(filter.EndTime) {
		return false
	}
	return true
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
