package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory store for testing and single-process use.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	order    []string // insertion order, for deterministic listing
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
	}
}

// StoreMessage persists a message and returns its storage key
func (s *MemoryStore) StoreMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.Key != "" {
		return "", fmt.Errorf("message already stored under key %s", msg.Key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *msg
	stored.Key = uuid.New().String()

	s.messages[stored.Key] = &stored
	s.order = append(s.order, stored.Key)
	return stored.Key, nil
}

// GetMessage returns the stored payload for a storage key
func (s *MemoryStore) GetMessage(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	return msg.Payload, nil
}

// BrowseMessage returns the full stored record without consuming it
func (s *MemoryStore) BrowseMessage(ctx context.Context, key string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}

	result := *msg
	return &result, nil
}

// DeleteMessage removes a stored message
func (s *MemoryStore) DeleteMessage(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[key]; !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}

	delete(s.messages, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// UpdateComment replaces the comment on a stored message
func (s *MemoryStore) UpdateComment(ctx context.Context, key, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	msg.Comment = comment
	return nil
}

// ContainsMessageID reports whether any stored row carries this message id
func (s *MemoryStore) ContainsMessageID(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages {
		if msg.MessageID == id {
			return true, nil
		}
	}
	return false, nil
}

// ContainsCorrelationID reports whether any stored row carries this correlation id
func (s *MemoryStore) ContainsCorrelationID(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages {
		if msg.CorrelationID == id {
			return true, nil
		}
	}
	return false, nil
}

// List returns messages matching the filter in insertion order
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []*Message
	for _, key := range s.order {
		msg := s.messages[key]
		if s.matchesFilter(msg, filter) {
			result := *msg
			messages = append(messages, &result)
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
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, msg := range s.messages {
		if s.matchesFilter(msg, filter) {
			count++
		}
	}
	return count, nil
}

// matchesFilter checks if a message matches the filter criteria
func (s *MemoryStore) matchesFilter(msg *Message, filter Filter) bool {
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

// Stats returns store statistics
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		MessagesByLabel: make(map[string]int64),
	}

	var oldest, newest *time.Time
	for _, msg := range s.messages {
		stats.TotalMessages++
		stats.MessagesByLabel[msg.Label]++

		if oldest == nil || msg.ReceivedAt.Before(*oldest) {
			t := msg.ReceivedAt
			oldest = &t
		}
		if newest == nil || msg.ReceivedAt.After(*newest) {
			t := msg.ReceivedAt
			newest = &t
		}
	}

	stats.OldestMessage = oldest
	stats.NewestMessage = newest
	return stats, nil
}

// Compile-time checks
var _ Store = (*MemoryStore)(nil)
var _ StatsProvider = (*MemoryStore)(nil)
