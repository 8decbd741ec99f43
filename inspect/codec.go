package inspect

import (
	"encoding/json"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode entry")
	ErrDecodeFailure = errors.New("failed to decode entry")
)

// Codec serializes entries for external sinks. Implementations must be safe
// for concurrent use.
type Codec interface {
	// Encode serializes an entry to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(e *Entry) ([]byte, error)

	// Decode deserializes bytes to an entry.
	// Returns ErrDecodeFailure if deserialization fails. The decoded Payload
	// is the codec's generic representation (e.g. map[string]any for JSON),
	// not the original Go type.
	Decode(data []byte) (*Entry, error)

	// ContentType returns the MIME type for this codec.
	ContentType() string

	// Name returns a short identifier for this codec (e.g. "json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}

// JSON is a human-readable entry codec.
type JSON struct{}

func (JSON) Encode(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

func (JSON) Decode(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return &e, nil
}

func (JSON) ContentType() string { return "application/json" }

func (JSON) Name() string { return "json" }

// MsgPack is a compact binary entry codec.
type MsgPack struct{}

func (MsgPack) Encode(e *Entry) ([]byte, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

func (MsgPack) Decode(data []byte) (*Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return &e, nil
}

func (MsgPack) ContentType() string { return "application/msgpack" }

func (MsgPack) Name() string { return "msgpack" }

// Compile-time interface checks
var (
	_ Codec = JSON{}
	_ Codec = MsgPack{}
)
