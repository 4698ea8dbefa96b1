package codec

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while maintaining schema-less flexibility.
//
// Benefits:
//   - Smaller stored size than JSON
//   - Faster encoding/decoding
//   - Supports binary payloads natively
type MsgPack struct{}

// Encode serializes an envelope to MessagePack bytes
func (c MsgPack) Encode(env *Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes MessagePack bytes to an envelope
func (c MsgPack) Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return &env, nil
}

// ContentType returns the MessagePack MIME type
func (c MsgPack) ContentType() string { return "application/msgpack" }

// Name returns the codec identifier
func (c MsgPack) Name() string { return "msgpack" }

// Compile-time interface check
var _ Codec = MsgPack{}
