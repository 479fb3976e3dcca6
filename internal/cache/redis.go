package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "flightdeck:semcache:"

// RedisStore keeps cache entries as JSON values keyed by prompt hash.
// Entries carry no TTL; reset is an operational concern (FLUSHDB or key
// pattern deletion).
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string, db int) (*RedisStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis addr cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping verifies connectivity; callers use it at startup so a misconfigured
// address fails fast instead of degrading every request to a miss.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, prompt string) (*Entry, error) {
	hash := HashPrompt(prompt)
	raw, err := s.client.Get(ctx, redisKeyPrefix+hash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cache entry %q: %w", hash, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %q: %w", hash, err)
	}
	return &entry, nil
}

func (s *RedisStore) Set(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return nil
	}
	row := normalizeEntry(entry)

	encoded, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode cache entry %q: %w", row.PromptHash, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+row.PromptHash, encoded, 0).Err(); err != nil {
		return fmt.Errorf("set cache entry %q: %w", row.PromptHash, err)
	}
	return nil
}
