// Package codec provides serialization for the message envelope persisted by
// durable stores.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
package codec

import (
	"errors"
	"time"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode envelope")
	ErrDecodeFailure = errors.New("failed to decode envelope")
)

// Envelope is the durable form of a received message. Stores persist the
// encoded envelope so a browsed message can be re-wrapped for manual retry.
type Envelope struct {
	ID            string            `json:"id" msgpack:"id"`
	CorrelationID string            `json:"correlation_id,omitempty" msgpack:"correlation_id,omitempty"`
	ReceivedAt    time.Time         `json:"received_at" msgpack:"received_at"`
	Context       map[string]string `json:"context,omitempty" msgpack:"context,omitempty"`
	Payload       []byte            `json:"payload" msgpack:"payload"`
}

// Codec handles envelope serialization for durable stores.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes an envelope to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(env *Envelope) ([]byte, error)

	// Decode deserializes bytes to an envelope.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte) (*Envelope, error)

	// ContentType returns the MIME type for this codec.
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}
