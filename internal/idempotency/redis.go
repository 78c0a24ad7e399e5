package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "sgdrift:idempotency:"
	// redisTxAttempts bounds optimistic-lock retries when a watched key
	// changes under a transaction.
	redisTxAttempts = 3
)

// RedisStore keeps each record as a JSON value whose key TTL is the
// retention window. Check-and-set runs in a WATCH/MULTI transaction.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore returns a store over client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(eventID string) string { return redisKeyPrefix + eventID }

func (s *RedisStore) Claim(ctx context.Context, rec Record, now time.Time) (bool, *Record, error) {
	key := redisKey(rec.EventID)
	data, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("marshal record: %w", err)
	}

	var (
		claimed  bool
		existing *Record
	)
	err = s.watch(ctx, key, func(tx *redis.Tx) error {
		claimed, existing = false, nil
		cur, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur.Blocks(now) {
			existing = cur
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redisTTL(rec.ExpiresAt.Sub(now)))
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		// Every attempt raced another writer, which now holds the key.
		cur, rerr := readRecord(ctx, s.client, key)
		if rerr != nil {
			return false, nil, rerr
		}
		return false, cur, nil
	}
	if err != nil {
		return false, nil, err
	}
	return claimed, existing, nil
}

func (s *RedisStore) Complete(ctx context.Context, eventID, token string, expiresAt time.Time) error {
	key := redisKey(eventID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		cur, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur == nil || cur.Token != token {
			return ErrLeaseLost
		}
		cur.Status = StatusProcessed
		cur.ExpiresAt = expiresAt
		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redisTTL(time.Until(expiresAt)))
			return nil
		})
		return err
	})
}

func (s *RedisStore) Release(ctx context.Context, eventID, token string) error {
	key := redisKey(eventID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		cur, err := readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur == nil || cur.Token != token {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	})
}

func (s *RedisStore) Get(ctx context.Context, eventID string) (*Record, error) {
	return readRecord(ctx, s.client, redisKey(eventID))
}

// Ping checks the server answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }

// watch runs fn in an optimistic transaction on key, retrying when another
// client modified the key first.
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < redisTxAttempts; i++ {
		err = s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil && !errors.Is(err, ErrLeaseLost) {
		return fmt.Errorf("redis transaction on %s: %w", key, err)
	}
	return err
}

func readRecord(ctx context.Context, c redis.Cmdable, key string) (*Record, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", key, err)
	}
	return &rec, nil
}

// redisTTL keeps a key from being stored without expiry when the window is
// already over.
func redisTTL(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}
