package cache

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Cache values cross the process boundary as msgpack-encoded bytes. The
// codec is fixed at the package level so both tiers and the warming
// controller agree on the wire form.

// Encode serializes a structured record for storage in either tier.
func Encode(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache value: %w", err)
	}
	return data, nil
}

// Decode deserializes a cached payload into out.
func Decode(data []byte, out interface{}) error {
	if err := msgpack.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode cache value: %w", err)
	}
	return nil
}
