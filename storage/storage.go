// Package storage defines the key-value contract every authkit backend
// implements, along with reference implementations backed by memory,
// Redis and MongoDB.
//
// Keys are ordered sequences of string segments. Backends persist them
// joined with a reserved separator byte so that prefix scans stay cheap
// on sorted keyspaces.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// KeySeparator joins key segments in the persisted representation.
// Segments must never contain it.
const KeySeparator = "\x1f"

// ErrInvalidKey is returned when a key segment contains the separator
// or the key is empty.
var ErrInvalidKey = errors.New("storage: invalid key")

// Entry is a single scanned key/value pair.
type Entry struct {
	Key   []string
	Value json.RawMessage
}

// Storage is the sole persistence dependency of the authorization engine.
//
// Get returns (nil, nil) when the key is absent or expired. Set with a
// non-positive ttl stores the value without expiry. Scan returns every
// live entry whose key starts with the given prefix segments; ordering
// follows the joined key where the backend sorts its keyspace. Concurrent
// writes to the same key are last-write-wins; the engine never relies on
// cross-key transactions.
type Storage interface {
	Get(ctx context.Context, key []string) (json.RawMessage, error)
	Set(ctx context.Context, key []string, value any, ttl time.Duration) error
	Remove(ctx context.Context, key []string) error
	Scan(ctx context.Context, prefix []string) ([]Entry, error)
}

// JoinKey validates the segments and joins them with the separator.
func JoinKey(key []string) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, segment := range key {
		if strings.Contains(segment, KeySeparator) {
			return "", fmt.Errorf("%w: segment contains separator", ErrInvalidKey)
		}
	}
	return strings.Join(key, KeySeparator), nil
}

// SplitKey reverses JoinKey.
func SplitKey(joined string) []string {
	return strings.Split(joined, KeySeparator)
}

// JoinPrefix joins prefix segments and appends a trailing separator so a
// prefix never matches a sibling key that merely shares leading bytes.
func JoinPrefix(prefix []string) (string, error) {
	joined, err := JoinKey(prefix)
	if err != nil {
		return "", err
	}
	return joined + KeySeparator, nil
}

// Encode marshals a value for persistence. json.RawMessage values pass
// through untouched so backends can relay each other's payloads.
func Encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to marshal value: %w", err)
	}
	return data, nil
}
