package store

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes a record to msgpack bytes.
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode reads msgpack bytes into the provided record.
func Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
