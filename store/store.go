// Package store provides durable storage for received messages: the error
// store that keeps failed messages for manual retry, and the message log that
// records successfully processed messages for duplicate detection.
//
// Both roles share one contract. A store row carries the message id, the
// business correlation id, a label identifying the role, a free-form comment
// and the encoded message envelope (see the codec package).
//
// # Overview
//
// The package provides:
//   - Store interface for message persistence
//   - TransactionalStore for stores that participate in the receiver's
//     database transaction
//   - Multiple implementations (PostgreSQL, MongoDB, Redis, Memory)
//
// # Basic Usage
//
//	errorStore := store.NewPostgresStore(db, store.LabelError)
//	key, err := errorStore.StoreMessage(ctx, &store.Message{
//	    MessageID:     msg.ID,
//	    CorrelationID: msg.CorrelationID,
//	    ReceivedAt:    time.Now(),
//	    Comment:       procErr.Error(),
//	    Payload:       encoded,
//	})
//
//	// Later: fetch for manual retry
//	payload, err := errorStore.GetMessage(ctx, key)
//
// # Duplicate detection
//
//	seen, err := messageLog.ContainsMessageID(ctx, msg.ID)
//	if seen {
//	    // idempotent redelivery, skip processing
//	}
package store

import (
	"context"
	"errors"
	"time"
)

// Store errors
var (
	// ErrMessageNotFound is returned when a storage key does not resolve.
	ErrMessageNotFound = errors.New("message not found")
)

// Labels identify the role a stored message plays. Stores may hold rows with
// different labels in the same backing table.
const (
	// LabelError marks messages that failed processing (error store).
	LabelError = "E"
	// LabelLog marks successfully processed messages (message log).
	LabelLog = "M"
)

// Message is a stored message record.
type Message struct {
	Key           string    // Storage key, assigned by StoreMessage
	MessageID     string    // Transport/business message id
	CorrelationID string    // Business correlation id
	ReceivedAt    time.Time // When the receiver first saw the message
	Comment       string    // Last error or result description
	Label         string    // LabelError or LabelLog
	Payload       []byte    // Encoded envelope (codec package)
}

// Filter specifies criteria for listing stored messages.
// All fields are optional; the zero filter matches everything.
type Filter struct {
	Label         string    // Filter by label (empty = all)
	MessageID     string    // Filter by message id
	CorrelationID string    // Filter by correlation id
	StartTime     time.Time // Messages received after this time (zero = no minimum)
	EndTime       time.Time // Messages received before this time (zero = no maximum)
	Limit         int       // Maximum results (0 = no limit)
	Offset        int       // Offset for pagination
}

// Store defines the contract for durable message storage.
//
// Implementations must be safe for concurrent use. Multiple receiver
// instances may share one store; row-level concurrency control is the
// implementation's responsibility.
type Store interface {
	// StoreMessage persists a message and returns its storage key.
	// A zero Key on the input is assigned; a non-zero Key is an error.
	StoreMessage(ctx context.Context, msg *Message) (string, error)

	// GetMessage returns the stored payload for a storage key.
	// Returns ErrMessageNotFound if the key does not resolve.
	GetMessage(ctx context.Context, key string) ([]byte, error)

	// BrowseMessage returns the full stored record without consuming it.
	BrowseMessage(ctx context.Context, key string) (*Message, error)

	// DeleteMessage removes a stored message.
	DeleteMessage(ctx context.Context, key string) error

	// UpdateComment replaces the comment on a stored message. Used when a
	// manual retry fails again: the existing row is annotated rather than
	// re-inserted.
	UpdateComment(ctx context.Context, key, comment string) error

	// ContainsMessageID reports whether any stored row carries this
	// message id.
	ContainsMessageID(ctx context.Context, id string) (bool, error)

	// ContainsCorrelationID reports whether any stored row carries this
	// correlation id.
	ContainsCorrelationID(ctx context.Context, id string) (bool, error)

	// List returns messages matching the filter.
	List(ctx context.Context, filter Filter) ([]*Message, error)

	// Count returns the number of messages matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)
}

// Stats provides store statistics for monitoring and alerting.
type Stats struct {
	TotalMessages   int64            // Total stored messages
	MessagesByLabel map[string]int64 // Count per label
	OldestMessage   *time.Time       // Timestamp of oldest message
	NewestMessage   *time.Time       // Timestamp of newest message
}

// StatsProvider is an optional interface for stores that support statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (*Stats, error)
}
