package listener

import (
	"time"
)

// Context is an insertion-ordered string-keyed metadata map carried by a raw
// message through one processing attempt. Listeners populate it during
// extraction and the receiver adds processing metadata.
//
// Context values are copied, never aliased, across component boundaries:
// use Clone before handing a context to code that may mutate it concurrently.
type Context struct {
	keys   []string
	values map[string]string
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{values: make(map[string]string)}
}

// Get returns the value for key, and whether it was present.
func (c *Context) Get(key string) (string, bool) {
	if c == nil || c.values == nil {
		return "", false
	}
	v, ok := c.values[key]
	return v, ok
}

// Value returns the value for key, or "" when absent.
func (c *Context) Value(key string) string {
	v, _ := c.Get(key)
	return v
}

// Set stores a value, preserving first-insertion order for iteration.
func (c *Context) Set(key, value string) {
	if c.values == nil {
		c.values = make(map[string]string)
	}
	if _, exists := c.values[key]; !exists {
		c.keys = append(c.keys, key)
	}
	c.values[key] = value
}

// Keys returns the keys in insertion order.
func (c *Context) Keys() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Len returns the number of entries.
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// Clone returns an independent copy.
func (c *Context) Clone() *Context {
	clone := NewContext()
	if c == nil {
		return clone
	}
	for _, k := range c.keys {
		clone.Set(k, c.values[k])
	}
	return clone
}

// Map returns the entries as a plain map. The result is a copy.
func (c *Context) Map() map[string]string {
	out := make(map[string]string, c.Len())
	if c != nil {
		for k, v := range c.values {
			out[k] = v
		}
	}
	return out
}

// Message is the canonical representation consumed by the pipeline,
// produced by Listener.ExtractMessage.
type Message struct {
	ID            string
	CorrelationID string
	Payload       []byte
	ReceivedAt    time.Time
}

// RawMessage binds a raw transport message to its extracted identifier,
// correlation id and context. The payload is owned by the wrapper for its
// lifetime and never mutated after construction.
//
// A wrapper is consumed by one full processing attempt and then discarded; a
// retried message is fetched fresh from durable storage and re-wrapped.
type RawMessage struct {
	payload       any
	id            string
	correlationID string
	context       *Context
	receivedAt    time.Time

	// embedded is set when the wrapper was reconstructed from durable
	// storage (manual retry). The receiver falls back to it when the
	// listener cannot re-extract the original transport payload.
	embedded *Message
}

// NewRawMessage wraps a transport payload. An empty id is replaced by a
// synthetic one so processing never begins without an identifier.
func NewRawMessage(payload any, id, correlationID string) *RawMessage {
	if id == "" {
		id = SyntheticMessageID()
	}
	return &RawMessage{
		payload:       payload,
		id:            id,
		correlationID: correlationID,
		context:       NewContext(),
		receivedAt:    time.Now(),
	}
}

// NewStoredRawMessage wraps a message reconstructed from durable storage.
// ExtractMessage failures on such a wrapper fall back to the embedded
// message instead of failing the retry.
func NewStoredRawMessage(msg *Message) *RawMessage {
	raw := NewRawMessage(msg.Payload, msg.ID, msg.CorrelationID)
	raw.receivedAt = msg.ReceivedAt
	raw.embedded = msg
	return raw
}

// Payload returns the opaque transport payload.
func (r *RawMessage) Payload() any { return r.payload }

// ID returns the transport-assigned or synthesized unique message id.
func (r *RawMessage) ID() string { return r.id }

// CorrelationID returns the business correlation id, "" when not yet resolved.
func (r *RawMessage) CorrelationID() string { return r.correlationID }

// SetCorrelationID records the resolved business correlation id.
func (r *RawMessage) SetCorrelationID(id string) { r.correlationID = id }

// Context returns the mutable metadata context. The raw message owns it;
// callers that need isolation must Clone.
func (r *RawMessage) Context() *Context { return r.context }

// ReceivedAt returns when the wrapper was created.
func (r *RawMessage) ReceivedAt() time.Time { return r.receivedAt }

// Embedded returns the durable message this wrapper was reconstructed from,
// or nil for a live transport message.
func (r *RawMessage) Embedded() *Message { return r.embedded }
