// Package imagecache is a two-tier cache for remote product images. Handles
// are served from an in-process LRU tier backed by a persistent store;
// misses are fetched once per URL no matter how many callers are waiting.
package imagecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/imagecache/internal/config"
	"github.com/wudi/imagecache/internal/eviction"
	"github.com/wudi/imagecache/internal/logging"
	"github.com/wudi/imagecache/internal/metrics"
	"github.com/wudi/imagecache/internal/store"
)

var tracer = otel.Tracer("github.com/wudi/imagecache/internal/imagecache")

// Fetcher retrieves the raw bytes behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Options configures a Cache. Open and Fetcher are required.
type Options struct {
	// Open opens the persistent tier. Failures should wrap store.ErrUnavailable.
	Open    func(ctx context.Context) (store.Store, error)
	Fetcher Fetcher
	Policy  *eviction.Policy

	MemoryEntries int // memory tier capacity, default 2000
	Concurrency   int // parallel store reads during warm-up and prefetch, default 8
	WriteQueue    int // pending background writes before new ones are dropped, default 256

	Metrics *metrics.Collector
	Now     func() time.Time
}

// Stats holds cache counters.
type Stats struct {
	MemoryHits    int64 `json:"memory_hits"`
	StoreHits     int64 `json:"store_hits"`
	Fetches       int64 `json:"fetches"`
	Failures      int64 `json:"failures"`
	Coalesced     int64 `json:"coalesced"`
	WriteErrors   int64 `json:"write_errors"`
	MemoryEntries int   `json:"memory_entries"`
	Persistent    bool  `json:"persistent"`
}

// Cache resolves image URLs to handles. Construct it with New and share the
// instance with whatever needs image resolution.
type Cache struct {
	open          func(ctx context.Context) (store.Store, error)
	fetcher       Fetcher
	policy        *eviction.Policy
	memoryEntries int
	concurrency   int
	metrics       *metrics.Collector
	now           func() time.Time

	initMu sync.Mutex
	ready  atomic.Bool
	store  atomic.Pointer[storeRef]

	memMu  sync.Mutex // serializes check-then-add on the memory tier
	memory *lru.Cache[string, *Handle]
	byID   sync.Map // handle ID -> *Handle

	group  singleflight.Group
	writer *writer

	memoryHits  atomic.Int64
	storeHits   atomic.Int64
	fetches     atomic.Int64
	failures    atomic.Int64
	coalesced   atomic.Int64
	writeErrors atomic.Int64
}

type storeRef struct{ s store.Store }

// New creates a Cache. It performs no I/O; call Init to open the
// persistent tier.
func New(opts Options) (*Cache, error) {
	if opts.Open == nil {
		return nil, errors.New("imagecache: Open is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("imagecache: Fetcher is required")
	}
	if opts.Policy == nil {
		opts.Policy = eviction.NewPolicy(0, 0)
	}
	if opts.MemoryEntries <= 0 {
		opts.MemoryEntries = 2000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.WriteQueue <= 0 {
		opts.WriteQueue = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics != nil && opts.Policy.OnEvict == nil {
		m := opts.Metrics
		opts.Policy.OnEvict = func(_ string, reason eviction.Reason) {
			m.RecordEviction(string(reason))
		}
	}

	c := &Cache{
		open:          opts.Open,
		fetcher:       opts.Fetcher,
		policy:        opts.Policy,
		memoryEntries: opts.MemoryEntries,
		concurrency:   opts.Concurrency,
		metrics:       opts.Metrics,
		now:           opts.Now,
	}

	memory, err := lru.NewWithEvict[string, *Handle](opts.MemoryEntries, func(_ string, h *Handle) {
		c.byID.Delete(h.id)
	})
	if err != nil {
		return nil, fmt.Errorf("imagecache: memory tier: %w", err)
	}
	c.memory = memory
	c.writer = newWriter(opts.Policy, opts.WriteQueue, opts.Metrics, func() { c.writeErrors.Add(1) })
	return c, nil
}

// Init opens the persistent tier, sweeps it and loads the survivors into
// memory. After a successful Init further calls return nil immediately.
// On failure the cache keeps working without persistence and a later Init
// may retry.
func (c *Cache) Init(ctx context.Context) error {
	if c.ready.Load() {
		return nil
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.ready.Load() {
		return nil
	}

	s, err := c.open(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", store.ErrUnavailable, err)
		}
		logging.Warn("image cache store unavailable, running memory-only", zap.Error(err))
		return fmt.Errorf("imagecache init: %w", err)
	}

	if _, err := c.policy.Sweep(ctx, s, c.now()); err != nil {
		logging.Warn("image cache startup sweep failed", zap.Error(err))
		c.metrics.RecordStoreError("sweep")
	}

	loaded := c.warm(ctx, s)

	c.store.Store(&storeRef{s: s})
	c.ready.Store(true)
	logging.Info("image cache initialized", zap.Int("loaded", loaded))
	return nil
}

// warm loads the newest records, up to the memory capacity, into the
// memory tier. Individual read failures are logged and skipped.
func (c *Cache) warm(ctx context.Context, s store.Store) int {
	recs, err := s.ListByAge(ctx)
	if err != nil {
		logging.Warn("image cache warm-up listing failed", zap.Error(err))
		c.metrics.RecordStoreError("list")
		return 0
	}
	if len(recs) > c.memoryEntries {
		recs = recs[len(recs)-c.memoryEntries:]
	}

	var loaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, r := range recs {
		url := r.URL
		g.Go(func() error {
			rec, ok, err := s.Get(gctx, url)
			if err != nil {
				logging.Warn("image cache warm-up read failed", zap.String("url", url), zap.Error(err))
				c.metrics.RecordStoreError("get")
				return nil
			}
			if ok {
				c.remember(newHandle(url, rec.Payload))
				loaded.Add(1)
			}
			return nil
		})
	}
	g.Wait()
	return int(loaded.Load())
}

func (c *Cache) currentStore() store.Store {
	if ref := c.store.Load(); ref != nil {
		return ref.s
	}
	return nil
}

// Resolve returns the handle for url, fetching and persisting it on a miss.
// It never reports why a URL could not be resolved; a false result means
// the caller should render a placeholder. Concurrent calls for the same URL
// share one lookup. Cancelling ctx abandons the wait but not the shared
// fetch, which still completes and populates the cache.
func (c *Cache) Resolve(ctx context.Context, url string) (*Handle, bool) {
	if strings.TrimSpace(url) == "" {
		return nil, false
	}
	if h, ok := c.memory.Get(url); ok {
		c.memoryHits.Add(1)
		c.metrics.RecordResolve(metrics.TierMemory)
		return h, true
	}

	ctx, span := tracer.Start(ctx, "imagecache.Resolve", trace.WithAttributes(attribute.String("image.url", url)))
	defer span.End()

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(url, func() (interface{}, error) {
		return c.load(detached, url)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.coalesced.Add(1)
			c.metrics.RecordCoalesced()
		}
		if res.Err != nil {
			span.SetAttributes(attribute.Bool("image.resolved", false))
			return nil, false
		}
		span.SetAttributes(attribute.Bool("image.resolved", true))
		return res.Val.(*Handle), true
	case <-ctx.Done():
		return nil, false
	}
}

func (c *Cache) load(ctx context.Context, url string) (*Handle, error) {
	// another flight may have finished between the caller's check and ours
	if h, ok := c.memory.Get(url); ok {
		c.memoryHits.Add(1)
		c.metrics.RecordResolve(metrics.TierMemory)
		return h, nil
	}

	s := c.currentStore()
	if s != nil {
		rec, ok, err := s.Get(ctx, url)
		switch {
		case err != nil:
			logging.Warn("image cache store read failed", zap.String("url", url), zap.Error(err))
			c.metrics.RecordStoreError("get")
		case ok:
			c.storeHits.Add(1)
			c.metrics.RecordResolve(metrics.TierStore)
			return c.remember(newHandle(url, rec.Payload)), nil
		}
	}

	c.fetches.Add(1)
	data, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		c.failures.Add(1)
		c.metrics.RecordResolve(metrics.TierMiss)
		logging.Debug("image unresolved", zap.String("url", url), zap.Error(err))
		return nil, err
	}

	h := c.remember(newHandle(url, data))
	if s != nil {
		c.writer.put(s, &store.Record{URL: url, Payload: data, StoredAt: c.now()})
	}
	c.metrics.RecordResolve(metrics.TierFetch)
	return h, nil
}

// remember inserts h unless the URL already has a handle, in which case the
// existing handle wins so callers keep seeing one identity per URL.
func (c *Cache) remember(h *Handle) *Handle {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	if existing, ok := c.memory.Peek(h.url); ok {
		return existing
	}
	c.byID.Store(h.id, h)
	c.memory.Add(h.url, h)
	c.metrics.SetMemoryEntries(c.memory.Len())
	return h
}

// Lookup returns a live handle by ID.
func (c *Cache) Lookup(id string) (*Handle, bool) {
	v, ok := c.byID.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

// Prefetch resolves urls with bounded parallelism and reports how many
// resolved. It returns early only if ctx is cancelled.
func (c *Cache) Prefetch(ctx context.Context, urls []string) (int, error) {
	var resolved atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, u := range urls {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if _, ok := c.Resolve(gctx, u); ok {
				resolved.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(resolved.Load()), err
}

// Clear empties both tiers. Writes queued before Clear are applied first,
// so nothing resolved before the call survives it.
func (c *Cache) Clear(ctx context.Context) error {
	c.memMu.Lock()
	c.memory.Purge()
	c.byID.Clear()
	c.metrics.SetMemoryEntries(0)
	c.memMu.Unlock()

	if err := c.writer.call(ctx, writeOp{kind: opClear, store: c.currentStore()}); err != nil {
		logging.Warn("image cache clear failed", zap.Error(err))
		return err
	}
	logging.Info("image cache cleared")
	return nil
}

// Flush waits until every write queued so far has been applied.
func (c *Cache) Flush(ctx context.Context) error {
	return c.writer.call(ctx, writeOp{kind: opBarrier})
}

// Close drains pending writes and closes the persistent tier.
func (c *Cache) Close() error {
	c.writer.close()
	if s := c.currentStore(); s != nil {
		return s.Close()
	}
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits:    c.memoryHits.Load(),
		StoreHits:     c.storeHits.Load(),
		Fetches:       c.fetches.Load(),
		Failures:      c.failures.Load(),
		Coalesced:     c.coalesced.Load(),
		WriteErrors:   c.writeErrors.Load(),
		MemoryEntries: c.memory.Len(),
		Persistent:    c.currentStore() != nil,
	}
}

// OptionsFromConfig builds Options for the configured store, eviction
// bounds and memory tier.
func OptionsFromConfig(cfg *config.Config, f Fetcher, m *metrics.Collector) Options {
	storeCfg := cfg.Store
	return Options{
		Open: func(ctx context.Context) (store.Store, error) {
			return store.Open(ctx, storeCfg)
		},
		Fetcher:       f,
		Policy:        eviction.NewPolicy(cfg.Eviction.MaxAge, cfg.Eviction.MaxRecords),
		MemoryEntries: cfg.Memory.MaxEntries,
		Concurrency:   cfg.Fetch.Concurrency,
		Metrics:       m,
	}
}
