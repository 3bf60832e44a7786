package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Storage using Redis. Expiry is delegated to
// Redis key TTLs, so no read-side filtering is needed.
type RedisStore struct {
	client *redis.Client
	prefix string // optional namespace for shared instances
}

// NewRedisStore creates a Redis-backed store. The prefix is prepended to
// every key and may be empty.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) redisKey(key []string) (string, error) {
	joined, err := JoinKey(key)
	if err != nil {
		return "", err
	}
	return r.prefix + joined, nil
}

// Get implements Storage.Get.
func (r *RedisStore) Get(ctx context.Context, key []string) (json.RawMessage, error) {
	k, err := r.redisKey(key)
	if err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key from Redis: %w", err)
	}

	return json.RawMessage(data), nil
}

// Set implements Storage.Set.
func (r *RedisStore) Set(ctx context.Context, key []string, value any, ttl time.Duration) error {
	k, err := r.redisKey(key)
	if err != nil {
		return err
	}

	data, err := Encode(value)
	if err != nil {
		return err
	}

	if ttl <= 0 {
		ttl = 0 // no expiry
	}
	if err := r.client.Set(ctx, k, []byte(data), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key in Redis: %w", err)
	}

	return nil
}

// Remove implements Storage.Remove.
func (r *RedisStore) Remove(ctx context.Context, key []string) error {
	k, err := r.redisKey(key)
	if err != nil {
		return err
	}

	if err := r.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("failed to delete key from Redis: %w", err)
	}

	return nil
}

// Scan implements Storage.Scan using incremental SCAN with a glob match
// on the joined prefix.
func (r *RedisStore) Scan(ctx context.Context, prefix []string) ([]Entry, error) {
	joined, err := JoinPrefix(prefix)
	if err != nil {
		return nil, err
	}
	pattern := globEscape(r.prefix+joined) + "*"

	var entries []Entry
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get scanned key from Redis: %w", err)
		}
		entries = append(entries, Entry{
			Key:   SplitKey(strings.TrimPrefix(key, r.prefix)),
			Value: json.RawMessage(data),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys in Redis: %w", err)
	}

	return entries, nil
}

// globEscape quotes the glob metacharacters Redis MATCH recognises.
func globEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
