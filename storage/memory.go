package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore implements Storage using ttlcache. It is the reference
// backend used by tests and single-process deployments.
type MemoryStore struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewMemoryStore creates an in-memory store with automatic expiry cleanup.
func NewMemoryStore() *MemoryStore {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)

	// Start the cleanup process
	go cache.Start()

	return &MemoryStore{cache: cache}
}

// Get implements Storage.Get.
func (s *MemoryStore) Get(_ context.Context, key []string) (json.RawMessage, error) {
	joined, err := JoinKey(key)
	if err != nil {
		return nil, err
	}

	item := s.cache.Get(joined)
	if item == nil || item.IsExpired() {
		return nil, nil
	}

	return json.RawMessage(item.Value()), nil
}

// Set implements Storage.Set.
func (s *MemoryStore) Set(_ context.Context, key []string, value any, ttl time.Duration) error {
	joined, err := JoinKey(key)
	if err != nil {
		return err
	}

	data, err := Encode(value)
	if err != nil {
		return err
	}

	if ttl <= 0 {
		s.cache.Set(joined, data, ttlcache.NoTTL)
	} else {
		s.cache.Set(joined, data, ttl)
	}

	return nil
}

// Remove implements Storage.Remove.
func (s *MemoryStore) Remove(_ context.Context, key []string) error {
	joined, err := JoinKey(key)
	if err != nil {
		return err
	}

	s.cache.Delete(joined)

	return nil
}

// Scan implements Storage.Scan. Results are ordered by joined key.
func (s *MemoryStore) Scan(_ context.Context, prefix []string) ([]Entry, error) {
	joined, err := JoinPrefix(prefix)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for key, item := range s.cache.Items() {
		if item.IsExpired() || !strings.HasPrefix(key, joined) {
			continue
		}
		entries = append(entries, Entry{
			Key:   SplitKey(key),
			Value: json.RawMessage(item.Value()),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return strings.Join(entries[i].Key, KeySeparator) < strings.Join(entries[j].Key, KeySeparator)
	})

	return entries, nil
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.cache.Stop()

	return nil
}
