// Package store implements the persistent tier of the image cache: a
// durable key-value store of image payloads keyed by their origin URL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/imagecache/internal/config"
)

var (
	// ErrUnavailable is returned by Open when the medium cannot be opened.
	ErrUnavailable = errors.New("store unavailable")
	// ErrWriteFailed wraps failed Put, Delete and Clear operations.
	ErrWriteFailed = errors.New("store write failed")
)

// Record is the durable unit of cache storage.
type Record struct {
	URL      string
	Payload  []byte
	StoredAt time.Time
}

// Store abstracts the persistent cache backend. Every operation is atomic
// for a single record; nothing is atomic across records.
type Store interface {
	// Get returns the record for url, or false when absent.
	Get(ctx context.Context, url string) (*Record, bool, error)
	// Put inserts or replaces the record for rec.URL.
	Put(ctx context.Context, rec *Record) error
	// Delete removes the record for url. Deleting an absent record is not an error.
	Delete(ctx context.Context, url string) error
	Count(ctx context.Context) (int, error)
	// ListByAge returns all records oldest first, ties broken by URL.
	// Listed records carry URL and StoredAt only; Payload is nil.
	ListByAge(ctx context.Context) ([]Record, error)
	Clear(ctx context.Context) error
	Close() error
}

// Open opens (creating if absent) the store described by cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "blob":
		return OpenBlobStore(ctx, cfg.URL, cfg.Prefix)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		s, err := OpenRedisStore(ctx, client, cfg.Prefix)
		if err != nil {
			client.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown store type %q", ErrUnavailable, cfg.Type)
	}
}

func writeFailed(op, url string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrWriteFailed, op, url, err)
}

func sortKeyLess(a, b Record) bool {
	if !a.StoredAt.Equal(b.StoredAt) {
		return a.StoredAt.Before(b.StoredAt)
	}
	return a.URL < b.URL
}
