package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets
	_ "gocloud.dev/blob/memblob"  // mem:// buckets
	"gocloud.dev/gcerrors"
)

const (
	metaURL      = "url"
	metaStoredAt = "stored_at"
)

// BlobStore keeps one object per record in a gocloud.dev bucket. The
// object key is derived from the URL; the URL and write time live in the
// object metadata so the bucket can be listed by age without reading
// payloads.
//
// The first Count or ListByAge scans the bucket once and reads every
// object's attributes; after that both are answered from an in-process age
// index kept current by Put, Delete and Clear. The store must therefore be
// the only writer under its prefix.
type BlobStore struct {
	bucket *blob.Bucket
	prefix string

	mu      sync.Mutex
	index   map[string]time.Time // url -> StoredAt, nil until first scan
	scanned bool
}

// OpenBlobStore opens the bucket at bucketURL. Local file buckets have their
// directory created when missing.
func OpenBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse bucket url: %w", ErrUnavailable, err)
	}
	if u.Scheme == "file" {
		if err := os.MkdirAll(u.Path, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", ErrUnavailable, u.Path, err)
		}
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("%w: open bucket %s: %w", ErrUnavailable, bucketURL, err)
	}
	ok, err := bucket.IsAccessible(ctx)
	if err != nil || !ok {
		bucket.Close()
		if err == nil {
			err = fmt.Errorf("bucket not accessible")
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, bucketURL, err)
	}

	return NewBlobStore(bucket, prefix), nil
}

// NewBlobStore wraps an already opened bucket.
func NewBlobStore(bucket *blob.Bucket, prefix string) *BlobStore {
	return &BlobStore{bucket: bucket, prefix: prefix}
}

func (s *BlobStore) key(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return s.prefix + hex.EncodeToString(sum[:])
}

func (s *BlobStore) Get(ctx context.Context, rawURL string) (*Record, bool, error) {
	key := s.key(rawURL)

	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	payload, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		// deleted between the two reads
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, false, nil
		}
		return nil, false, err
	}

	rec := recordFromAttrs(attrs)
	if rec.URL != rawURL {
		return nil, false, nil
	}
	rec.Payload = payload
	return &rec, true, nil
}

func (s *BlobStore) Put(ctx context.Context, rec *Record) error {
	opts := &blob.WriterOptions{
		Metadata: map[string]string{
			metaURL:      rec.URL,
			metaStoredAt: rec.StoredAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if err := s.bucket.WriteAll(ctx, s.key(rec.URL), rec.Payload, opts); err != nil {
		return writeFailed("put", rec.URL, err)
	}
	s.mu.Lock()
	if s.scanned {
		s.index[rec.URL] = rec.StoredAt.UTC().Round(0)
	}
	s.mu.Unlock()
	return nil
}

func (s *BlobStore) Delete(ctx context.Context, rawURL string) error {
	if err := s.bucket.Delete(ctx, s.key(rawURL)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return writeFailed("delete", rawURL, err)
	}
	s.mu.Lock()
	if s.scanned {
		delete(s.index, rawURL)
	}
	s.mu.Unlock()
	return nil
}

func (s *BlobStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scanLocked(ctx); err != nil {
		return 0, err
	}
	return len(s.index), nil
}

func (s *BlobStore) ListByAge(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scanLocked(ctx); err != nil {
		return nil, err
	}

	recs := make([]Record, 0, len(s.index))
	for u, at := range s.index {
		recs = append(recs, Record{URL: u, StoredAt: at})
	}
	sort.Slice(recs, func(i, j int) bool { return sortKeyLess(recs[i], recs[j]) })
	return recs, nil
}

// scanLocked builds the age index from object metadata. It runs once per
// store; a failed scan is retried on the next call.
func (s *BlobStore) scanLocked(ctx context.Context) error {
	if s.scanned {
		return nil
	}
	index := make(map[string]time.Time)
	err := s.each(ctx, func(obj *blob.ListObject) error {
		attrs, err := s.bucket.Attributes(ctx, obj.Key)
		if err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				return nil
			}
			return err
		}
		rec := recordFromAttrs(attrs)
		if rec.URL == "" {
			return nil
		}
		index[rec.URL] = rec.StoredAt
		return nil
	})
	if err != nil {
		return err
	}
	s.index = index
	s.scanned = true
	return nil
}

func (s *BlobStore) Clear(ctx context.Context) error {
	var keys []string
	if err := s.each(ctx, func(obj *blob.ListObject) error {
		keys = append(keys, obj.Key)
		return nil
	}); err != nil {
		return writeFailed("clear", s.prefix, err)
	}

	// The index no longer matches the bucket if Clear stops part way.
	s.mu.Lock()
	s.index, s.scanned = nil, false
	s.mu.Unlock()

	for _, key := range keys {
		if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return writeFailed("clear", key, err)
		}
	}

	s.mu.Lock()
	s.index, s.scanned = make(map[string]time.Time), true
	s.mu.Unlock()
	return nil
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

func (s *BlobStore) each(ctx context.Context, fn func(*blob.ListObject) error) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if obj.IsDir {
			continue
		}
		if err := fn(obj); err != nil {
			return err
		}
	}
}

func recordFromAttrs(attrs *blob.Attributes) Record {
	rec := Record{URL: attrs.Metadata[metaURL]}
	if ts, err := time.Parse(time.RFC3339Nano, attrs.Metadata[metaStoredAt]); err == nil {
		rec.StoredAt = ts
	} else {
		rec.StoredAt = attrs.ModTime
	}
	return rec
}
