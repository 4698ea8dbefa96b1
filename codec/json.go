package codec

import (
	"encoding/json"
	"errors"
)

// JSON implements Codec using JSON serialization.
// This is the default codec, providing human-readable output.
//
// Payload is stored as pre-encoded bytes (base64 in JSON wire format).
type JSON struct{}

// Encode serializes an envelope to JSON bytes
func (c JSON) Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes JSON bytes to an envelope
func (c JSON) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return &env, nil
}

// ContentType returns the JSON MIME type
func (c JSON) ContentType() string { return "application/json" }

// Name returns the codec identifier
func (c JSON) Name() string { return "json" }

// Compile-time interface check
var _ Codec = JSON{}
