package imagecache

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/imagecache/internal/eviction"
	"github.com/wudi/imagecache/internal/logging"
	"github.com/wudi/imagecache/internal/metrics"
	"github.com/wudi/imagecache/internal/store"
)

var errWriterClosed = errors.New("image cache writer closed")

type opKind int

const (
	opPut opKind = iota
	opClear
	opBarrier
)

type writeOp struct {
	kind  opKind
	store store.Store
	rec   *store.Record
	done  chan error // nil for fire-and-forget puts
}

// writer applies persistent writes on a single background goroutine so
// Put+Trim pairs never interleave and Clear/Flush are ordered after every
// write queued before them.
type writer struct {
	policy  *eviction.Policy
	metrics *metrics.Collector
	onError func()

	mu     sync.RWMutex
	closed bool
	ch     chan writeOp
	wg     sync.WaitGroup
}

func newWriter(policy *eviction.Policy, queue int, m *metrics.Collector, onError func()) *writer {
	w := &writer{
		policy:  policy,
		metrics: m,
		onError: onError,
		ch:      make(chan writeOp, queue),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// put queues a write without blocking. A full queue drops the write; the
// record is simply re-fetched on a later miss.
func (w *writer) put(s store.Store, rec *store.Record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- writeOp{kind: opPut, store: s, rec: rec}:
	default:
		logging.Warn("image cache write queue full, dropping write", zap.String("url", rec.URL))
		w.metrics.RecordStoreError("queue_full")
		w.onError()
	}
}

// call queues op and waits for it to be applied.
func (w *writer) call(ctx context.Context, op writeOp) error {
	op.done = make(chan error, 1)

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return errWriterClosed
	}
	select {
	case w.ch <- op:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *writer) run() {
	defer w.wg.Done()
	ctx := context.Background()

	for op := range w.ch {
		var err error
		switch op.kind {
		case opPut:
			w.apply(ctx, op.store, op.rec)
		case opClear:
			if op.store != nil {
				err = op.store.Clear(ctx)
				if err != nil {
					w.metrics.RecordStoreError("clear")
				}
			}
		case opBarrier:
		}
		if op.done != nil {
			op.done <- err
		}
	}
}

func (w *writer) apply(ctx context.Context, s store.Store, rec *store.Record) {
	if err := s.Put(ctx, rec); err != nil {
		logging.Warn("image cache write failed", zap.String("url", rec.URL), zap.Error(err))
		w.metrics.RecordStoreError("put")
		w.onError()
		return
	}
	if _, err := w.policy.Trim(ctx, s); err != nil {
		logging.Warn("image cache trim failed", zap.Error(err))
		w.metrics.RecordStoreError("trim")
		w.onError()
	}
}
