package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each record in a hash and indexes write times in a
// sorted set scored by unix microseconds. Equal scores are ordered by
// member, which gives the URL tie-break for free.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedisStore pings the server and returns a store rooted at prefix,
// e.g. "imagecache:".
func OpenRedisStore(ctx context.Context, client *redis.Client, prefix string) (*RedisStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis ping: %w", ErrUnavailable, err)
	}
	return NewRedisStore(client, prefix), nil
}

// NewRedisStore wraps a client without checking connectivity.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) recordKey(url string) string { return s.prefix + "rec:" + url }
func (s *RedisStore) ageKey() string             { return s.prefix + "age" }

func (s *RedisStore) Get(ctx context.Context, url string) (*Record, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(url)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	micros, err := strconv.ParseInt(fields["stored_at"], 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("decode stored_at for %s: %w", url, err)
	}
	return &Record{
		URL:      url,
		Payload:  []byte(fields["payload"]),
		StoredAt: time.UnixMicro(micros),
	}, true, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	micros := rec.StoredAt.UnixMicro()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.recordKey(rec.URL),
			"url", rec.URL,
			"payload", rec.Payload,
			"stored_at", strconv.FormatInt(micros, 10),
		)
		pipe.ZAdd(ctx, s.ageKey(), redis.Z{Score: float64(micros), Member: rec.URL})
		return nil
	})
	if err != nil {
		return writeFailed("put", rec.URL, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, url string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(url))
		pipe.ZRem(ctx, s.ageKey(), url)
		return nil
	})
	if err != nil {
		return writeFailed("delete", url, err)
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.ageKey()).Result()
	return int(n), err
}

func (s *RedisStore) ListByAge(ctx context.Context) ([]Record, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.ageKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(zs))
	for _, z := range zs {
		url, _ := z.Member.(string)
		recs = append(recs, Record{
			URL:      url,
			StoredAt: time.UnixMicro(int64(z.Score)),
		})
	}
	return recs, nil
}

// Clear scans and deletes every key under the prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return writeFailed("clear", s.prefix, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return writeFailed("clear", s.prefix, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
